package redis

import (
	"context"
	"strconv"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/model"
)

func didKey(didHash string) string   { return "DID:" + didHash }
func allowKey(didHash string) string { return "DID:" + didHash + ":ALLOW" }
func denyKey(didHash string) string  { return "DID:" + didHash + ":DENY" }

// Account loads the per-DID record, or nil when the DID is unknown.
func (s *Store) Account(ctx context.Context, didHash string) (*model.Account, error) {
	var acct *model.Account
	err := s.withRetry(ctx, func() error {
		fields, err := s.rdb.HGetAll(ctx, didKey(didHash)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			acct = nil
			return nil
		}
		acct = accountFromFields(didHash, fields)
		return nil
	})
	return acct, err
}

func accountFromFields(didHash string, fields map[string]string) *model.Account {
	acct := &model.Account{DIDHash: didHash, Role: model.Role(fields["ROLE"])}

	if hex, ok := fields["ACL"]; ok {
		if set, err := acl.ParseHex(hex); err == nil {
			acct.ACL = uint64(set)
			acct.HasACL = true
		}
	}

	get := func(field string) int64 {
		n, _ := strconv.ParseInt(fields[field], 10, 64)
		return n
	}
	acct.ReceiveQueueCount = get("RECEIVE_QUEUE_COUNT")
	acct.ReceiveQueueBytes = get("RECEIVE_QUEUE_BYTES")
	acct.SendQueueCount = get("SEND_QUEUE_COUNT")
	acct.SendQueueBytes = get("SEND_QUEUE_BYTES")
	acct.Limits = model.QueueLimits{
		SoftReceive: get("SOFT_RECEIVE_LIMIT"),
		HardReceive: get("HARD_RECEIVE_LIMIT"),
		SoftSend:    get("SOFT_SEND_LIMIT"),
		HardSend:    get("HARD_SEND_LIMIT"),
	}
	return acct
}

// SetACL writes the capability bitmap for a DID.
func (s *Store) SetACL(ctx context.Context, didHash string, set acl.Set) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.HSet(ctx, didKey(didHash), "ACL", set.Hex()).Err()
	})
}

// ClearACL removes the per-DID bitmap so the mediator default applies again.
func (s *Store) ClearACL(ctx context.Context, didHash string) error {
	return s.withRetry(ctx, func() error {
		return s.rdb.HDel(ctx, didKey(didHash), "ACL").Err()
	})
}

// SetRole marks the account role (admin, root-admin, mediator-self).
func (s *Store) SetRole(ctx context.Context, didHash string, role model.Role) error {
	return s.withRetry(ctx, func() error {
		if role == model.RoleOrdinary {
			return s.rdb.HDel(ctx, didKey(didHash), "ROLE").Err()
		}
		return s.rdb.HSet(ctx, didKey(didHash), "ROLE", string(role)).Err()
	})
}

// SetLimits overrides the soft/hard queue limits for a DID. Zero fields are
// removed so the mediator default applies.
func (s *Store) SetLimits(ctx context.Context, didHash string, limits model.QueueLimits) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		set := func(field string, v int64) {
			if v > 0 {
				pipe.HSet(ctx, didKey(didHash), field, v)
			} else {
				pipe.HDel(ctx, didKey(didHash), field)
			}
		}
		set("SOFT_RECEIVE_LIMIT", limits.SoftReceive)
		set("HARD_RECEIVE_LIMIT", limits.HardReceive)
		set("SOFT_SEND_LIMIT", limits.SoftSend)
		set("HARD_SEND_LIMIT", limits.HardSend)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RemoveAccount deletes the per-DID record and its peer lists. Queues are the
// caller's responsibility: accounts with queued messages must be drained
// first.
func (s *Store) RemoveAccount(ctx context.Context, didHash string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, didKey(didHash), allowKey(didHash), denyKey(didHash))
		pipe.SRem(ctx, "ADMINS", didHash)
		pipe.HDel(ctx, "GLOBAL_STREAMING", didHash)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListVerdict answers one allow/deny membership question in a single round
// trip.
func (s *Store) ListVerdict(ctx context.Context, didHash, peerHash string) (acl.ListVerdict, error) {
	var verdict acl.ListVerdict
	err := s.withRetry(ctx, func() error {
		pipe := s.rdb.Pipeline()
		allowSize := pipe.SCard(ctx, allowKey(didHash))
		denySize := pipe.SCard(ctx, denyKey(didHash))
		inAllow := pipe.SIsMember(ctx, allowKey(didHash), peerHash)
		inDeny := pipe.SIsMember(ctx, denyKey(didHash), peerHash)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		verdict = acl.ListVerdict{
			AllowSize: allowSize.Val(),
			DenySize:  denySize.Val(),
			InAllow:   inAllow.Val(),
			InDeny:    inDeny.Val(),
		}
		return nil
	})
	return verdict, err
}

// ListAdd appends peers to the allow or deny list of a DID.
func (s *Store) ListAdd(ctx context.Context, didHash string, deny bool, peerHashes ...string) error {
	key := allowKey(didHash)
	if deny {
		key = denyKey(didHash)
	}
	return s.withRetry(ctx, func() error {
		return s.rdb.SAdd(ctx, key, toAnySlice(peerHashes)...).Err()
	})
}

// ListRemove removes peers from the allow or deny list of a DID.
func (s *Store) ListRemove(ctx context.Context, didHash string, deny bool, peerHashes ...string) error {
	key := allowKey(didHash)
	if deny {
		key = denyKey(didHash)
	}
	return s.withRetry(ctx, func() error {
		return s.rdb.SRem(ctx, key, toAnySlice(peerHashes)...).Err()
	})
}

// ListMembers returns the full allow or deny list of a DID.
func (s *Store) ListMembers(ctx context.Context, didHash string, deny bool) ([]string, error) {
	key := allowKey(didHash)
	if deny {
		key = denyKey(didHash)
	}
	var members []string
	err := s.withRetry(ctx, func() error {
		var err error
		members, err = s.rdb.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

// AddAdmin registers a DID in the admin set and marks its role.
func (s *Store) AddAdmin(ctx context.Context, didHash string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, "ADMINS", didHash)
		pipe.HSet(ctx, didKey(didHash), "ROLE", string(model.RoleAdmin))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RemoveAdmin drops a DID from the admin set.
func (s *Store) RemoveAdmin(ctx context.Context, didHash string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.SRem(ctx, "ADMINS", didHash)
		pipe.HDel(ctx, didKey(didHash), "ROLE")
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Admins lists the registered admin DID hashes.
func (s *Store) Admins(ctx context.Context) ([]string, error) {
	var admins []string
	err := s.withRetry(ctx, func() error {
		var err error
		admins, err = s.rdb.SMembers(ctx, "ADMINS").Result()
		return err
	})
	return admins, err
}

// IsAdmin reports admin set membership.
func (s *Store) IsAdmin(ctx context.Context, didHash string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func() error {
		var err error
		ok, err = s.rdb.SIsMember(ctx, "ADMINS", didHash).Result()
		return err
	})
	return ok, err
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
