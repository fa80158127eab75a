package reconcile

import "github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"

// Action is what a pass does for one record.
type Action struct {
	Kind ActionKind
	IP   string // target address for Create and Update
}

// Diff decides the convergence step for one record at one provider.
//
//	enabled  desired  current              action
//	false    any      absent               NoOp
//	false    any      present              Delete
//	true     empty    any                  NoOp (ConfigIncomplete)
//	true     set      absent               Create(desired)
//	true     set      present, same ip     NoOp
//	true     set      present, other ip    Update(desired)
//
// TTL, proxy flags and other provider attributes never cause an action.
func Diff(enabled bool, desired string, current *dns.Record) Action {
	switch {
	case !enabled && current == nil:
		return Action{Kind: ActionNoOp}
	case !enabled:
		return Action{Kind: ActionDelete}
	case desired == "":
		return Action{Kind: ActionNoOp}
	case current == nil:
		return Action{Kind: ActionCreate, IP: desired}
	case dns.SameIP(current.Value, desired):
		return Action{Kind: ActionNoOp}
	default:
		return Action{Kind: ActionUpdate, IP: desired}
	}
}
