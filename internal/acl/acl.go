package acl

import (
	"fmt"
	"strconv"
	"strings"
)

// Flag is one capability bit in a DID's ACL set.
type Flag uint64

const (
	AllowInbound Flag = 1 << iota
	AllowOutbound
	AllowAnonMsg
	AllowAuth
	SelfManageList
	SelfManageSendQueueLimit
	SelfManageReceiveQueueLimit
	Admin
)

var flagNames = map[Flag]string{
	AllowInbound:                "ALLOW_INBOUND",
	AllowOutbound:               "ALLOW_OUTBOUND",
	AllowAnonMsg:                "ALLOW_ANON_MSG",
	AllowAuth:                   "ALLOW_AUTH",
	SelfManageList:              "SELF_MANAGE_LIST",
	SelfManageSendQueueLimit:    "SELF_MANAGE_SEND_QUEUE_LIMIT",
	SelfManageReceiveQueueLimit: "SELF_MANAGE_RECEIVE_QUEUE_LIMIT",
	Admin:                       "ADMIN",
}

// Set is a capability bitmap.
type Set uint64

func (s Set) Has(f Flag) bool {
	return uint64(s)&uint64(f) != 0
}

func (s Set) With(f Flag) Set {
	return Set(uint64(s) | uint64(f))
}

func (s Set) Without(f Flag) Set {
	return Set(uint64(s) &^ uint64(f))
}

// Hex renders the set the way it is stored on the DID record.
func (s Set) Hex() string {
	return fmt.Sprintf("%04x", uint64(s))
}

func (s Set) String() string {
	var names []string
	for f := AllowInbound; f <= Admin; f <<= 1 {
		if s.Has(f) {
			names = append(names, flagNames[f])
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// ParseHex decodes a stored bitmap.
func ParseHex(s string) (Set, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse acl %q: %w", s, err)
	}
	return Set(v), nil
}

// ParseFlag resolves a flag by its wire name.
func ParseFlag(name string) (Flag, error) {
	for f, n := range flagNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown acl flag %q", name)
}
