package protocol

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/didcomm"
	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

// Administrative message type URIs.
const (
	AdministrationType    = "https://affinidi.com/atm/1.0/mediator/administration"
	AccountManagementType = "https://affinidi.com/atm/1.0/mediator/account-management"
	ACLManagementType     = "https://affinidi.com/atm/1.0/mediator/acl-management"
)

type (
	// AdminStore is the slice of the store the administrative protocols
	// mutate.
	AdminStore interface {
		Account(ctx context.Context, didHash string) (*model.Account, error)
		SetACL(ctx context.Context, didHash string, set acl.Set) error
		ClearACL(ctx context.Context, didHash string) error
		SetLimits(ctx context.Context, didHash string, limits model.QueueLimits) error
		RemoveAccount(ctx context.Context, didHash string) error
		ListAdd(ctx context.Context, didHash string, deny bool, peerHashes ...string) error
		ListRemove(ctx context.Context, didHash string, deny bool, peerHashes ...string) error
		ListMembers(ctx context.Context, didHash string, deny bool) ([]string, error)
		AddAdmin(ctx context.Context, didHash string) error
		RemoveAdmin(ctx context.Context, didHash string) error
		Admins(ctx context.Context) ([]string, error)
	}

	// adminHandlers binds the store and the two hashes that can never lose
	// their standing.
	adminHandlers struct {
		store         AdminStore
		engine        aclResolver
		rootAdminHash string
		selfHash      string
	}

	aclResolver interface {
		Resolve(ctx context.Context, didHash string) (acl.Set, error)
	}

	administrationBody struct {
		Action string   `json:"action"` // list, add, remove
		Admins []string `json:"admins,omitempty"`
	}

	administrationReply struct {
		Admins []string `json:"admins"`
	}

	accountManagementBody struct {
		Action  string             `json:"action"` // get, remove, set_limits
		DIDHash string             `json:"did_hash,omitempty"`
		Limits  *model.QueueLimits `json:"limits,omitempty"`
	}

	accountManagementReply struct {
		Account *model.Account `json:"account,omitempty"`
	}

	aclManagementBody struct {
		Action  string   `json:"action"` // get, set, clear, list_get, list_add, list_remove
		DIDHash string   `json:"did_hash,omitempty"`
		ACL     string   `json:"acl,omitempty"` // hex bitmap for set
		List    string   `json:"list,omitempty"` // allow or deny
		Members []string `json:"members,omitempty"`
	}

	aclManagementReply struct {
		DIDHash string   `json:"did_hash"`
		ACL     string   `json:"acl,omitempty"`
		Members []string `json:"members,omitempty"`
	}
)

// RegisterAdmin wires the three administrative protocols.
func RegisterAdmin(d *Dispatcher, store AdminStore, engine aclResolver, rootAdminHash, selfHash string) {
	h := &adminHandlers{store: store, engine: engine, rootAdminHash: rootAdminHash, selfHash: selfHash}
	d.Register(AdministrationType, h.administration)
	d.Register(AccountManagementType, h.accountManagement)
	d.Register(ACLManagementType, h.aclManagement)
}

// requireAdmin gates the administrative surface: the ADMIN capability or the
// configured root admin.
func (h *adminHandlers) requireAdmin(sess *model.Session) error {
	if sess.Admin || sess.DIDHash == h.rootAdminHash {
		return nil
	}
	return model.NewError(model.KindForbidden, "administrative capability required")
}

// protected reports whether the target hash may never be removed or demoted.
func (h *adminHandlers) protected(ctx context.Context, didHash string) (bool, error) {
	if didHash == h.rootAdminHash || didHash == h.selfHash {
		return true, nil
	}
	acct, err := h.store.Account(ctx, didHash)
	if err != nil {
		return false, err
	}
	return acct != nil && acct.Protected(), nil
}

func (h *adminHandlers) administration(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
	if err := h.requireAdmin(sess); err != nil {
		return nil, err
	}
	var body administrationBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, model.NewError(model.KindMalformed, "malformed administration body")
	}

	switch body.Action {
	case "list":
	case "add":
		for _, didHash := range body.Admins {
			if err := h.store.AddAdmin(ctx, didHash); err != nil {
				return nil, err
			}
		}
	case "remove":
		for _, didHash := range body.Admins {
			prot, err := h.protected(ctx, didHash)
			if err != nil {
				return nil, err
			}
			if prot {
				return nil, model.NewError(model.KindForbidden, "account cannot be removed from the admin set")
			}
			if err := h.store.RemoveAdmin(ctx, didHash); err != nil {
				return nil, err
			}
		}
	default:
		return nil, model.Errorf(model.KindMalformed, "unknown administration action %q", body.Action)
	}

	admins, err := h.store.Admins(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("admin set changed",
		zap.String("action", body.Action), zap.String("by", sess.DIDHash), zap.Int("admins", len(admins)))
	return adminReply(msg, administrationReply{Admins: admins}), nil
}

func (h *adminHandlers) accountManagement(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
	var body accountManagementBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, model.NewError(model.KindMalformed, "malformed account-management body")
	}
	if body.DIDHash == "" {
		body.DIDHash = sess.DIDHash
	}

	if err := h.authorizeAccountOp(ctx, sess, &body); err != nil {
		return nil, err
	}

	switch body.Action {
	case "get":
	case "set_limits":
		if body.Limits == nil {
			return nil, model.NewError(model.KindMalformed, "set_limits requires limits")
		}
		if err := h.store.SetLimits(ctx, body.DIDHash, *body.Limits); err != nil {
			return nil, err
		}
	case "remove":
		prot, err := h.protected(ctx, body.DIDHash)
		if err != nil {
			return nil, err
		}
		if prot {
			return nil, model.NewError(model.KindForbidden, "account cannot be removed")
		}
		if err := h.store.RemoveAccount(ctx, body.DIDHash); err != nil {
			return nil, err
		}
		return adminReply(msg, accountManagementReply{}), nil
	default:
		return nil, model.Errorf(model.KindMalformed, "unknown account-management action %q", body.Action)
	}

	acct, err := h.store.Account(ctx, body.DIDHash)
	if err != nil {
		return nil, err
	}
	return adminReply(msg, accountManagementReply{Account: acct}), nil
}

// authorizeAccountOp lets admins touch any account; ordinary sessions may
// only read their own record and adjust their own limits when the matching
// self-manage flags are set.
func (h *adminHandlers) authorizeAccountOp(ctx context.Context, sess *model.Session, body *accountManagementBody) error {
	if err := h.requireAdmin(sess); err == nil {
		return nil
	}
	if body.DIDHash != sess.DIDHash {
		return model.NewError(model.KindForbidden, "account belongs to another DID")
	}

	switch body.Action {
	case "get":
		return nil
	case "set_limits":
		set, err := h.engine.Resolve(ctx, sess.DIDHash)
		if err != nil {
			return err
		}
		if body.Limits == nil {
			return nil
		}
		if (body.Limits.SoftSend != 0 || body.Limits.HardSend != 0) && !set.Has(acl.SelfManageSendQueueLimit) {
			return model.NewError(model.KindForbidden, "send queue limits are not self-manageable")
		}
		if (body.Limits.SoftReceive != 0 || body.Limits.HardReceive != 0) && !set.Has(acl.SelfManageReceiveQueueLimit) {
			return model.NewError(model.KindForbidden, "receive queue limits are not self-manageable")
		}
		return nil
	default:
		return model.NewError(model.KindForbidden, "administrative capability required")
	}
}

func (h *adminHandlers) aclManagement(ctx context.Context, sess *model.Session, msg *didcomm.Message) (*didcomm.Message, error) {
	var body aclManagementBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, model.NewError(model.KindMalformed, "malformed acl-management body")
	}
	if body.DIDHash == "" {
		body.DIDHash = sess.DIDHash
	}

	if err := h.authorizeACLOp(ctx, sess, &body); err != nil {
		return nil, err
	}

	deny := body.List == "deny"
	if body.List != "" && body.List != "allow" && body.List != "deny" {
		return nil, model.Errorf(model.KindMalformed, "unknown list %q", body.List)
	}

	reply := aclManagementReply{DIDHash: body.DIDHash}
	switch body.Action {
	case "get":
		set, err := h.engine.Resolve(ctx, body.DIDHash)
		if err != nil {
			return nil, err
		}
		reply.ACL = set.Hex()
	case "set":
		set, err := acl.ParseHex(body.ACL)
		if err != nil {
			return nil, model.NewError(model.KindMalformed, "malformed acl bitmap")
		}
		if err := h.guardDemotion(ctx, body.DIDHash, set); err != nil {
			return nil, err
		}
		if err := h.store.SetACL(ctx, body.DIDHash, set); err != nil {
			return nil, err
		}
		reply.ACL = set.Hex()
	case "clear":
		if err := h.guardDemotion(ctx, body.DIDHash, 0); err != nil {
			return nil, err
		}
		if err := h.store.ClearACL(ctx, body.DIDHash); err != nil {
			return nil, err
		}
	case "list_get":
		members, err := h.store.ListMembers(ctx, body.DIDHash, deny)
		if err != nil {
			return nil, err
		}
		if members == nil {
			members = []string{}
		}
		reply.Members = members
	case "list_add":
		if err := h.store.ListAdd(ctx, body.DIDHash, deny, body.Members...); err != nil {
			return nil, err
		}
	case "list_remove":
		if err := h.store.ListRemove(ctx, body.DIDHash, deny, body.Members...); err != nil {
			return nil, err
		}
	default:
		return nil, model.Errorf(model.KindMalformed, "unknown acl-management action %q", body.Action)
	}

	return adminReply(msg, reply), nil
}

// authorizeACLOp lets admins manage any ACL; ordinary sessions may read their
// own and edit their own peer lists when SELF_MANAGE_LIST is set.
func (h *adminHandlers) authorizeACLOp(ctx context.Context, sess *model.Session, body *aclManagementBody) error {
	if err := h.requireAdmin(sess); err == nil {
		return nil
	}
	if body.DIDHash != sess.DIDHash {
		return model.NewError(model.KindForbidden, "acl belongs to another DID")
	}

	switch body.Action {
	case "get":
		return nil
	case "list_get", "list_add", "list_remove":
		set, err := h.engine.Resolve(ctx, sess.DIDHash)
		if err != nil {
			return err
		}
		if !set.Has(acl.SelfManageList) {
			return model.NewError(model.KindForbidden, "peer lists are not self-manageable")
		}
		return nil
	default:
		return model.NewError(model.KindForbidden, "administrative capability required")
	}
}

// guardDemotion refuses ACL writes that would strip the admin bit from a
// protected account.
func (h *adminHandlers) guardDemotion(ctx context.Context, didHash string, set acl.Set) error {
	prot, err := h.protected(ctx, didHash)
	if err != nil {
		return err
	}
	if prot && !set.Has(acl.Admin) {
		return model.NewError(model.KindForbidden, "account cannot be demoted")
	}
	return nil
}

func adminReply(parent *didcomm.Message, body any) *didcomm.Message {
	out := parent.Reply(parent.Type)
	raw, _ := json.Marshal(body)
	out.Body = raw
	return out
}
