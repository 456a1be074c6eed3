package relay

import (
	"github.com/proboci/scm-handler/pkg/scm"
)

// StatusUpdate is the inbound, github-flavored build status shape delivered
// by the build system's callbacks.
type StatusUpdate struct {
	State       string `json:"state"`
	Description string `json:"description"`
	Context     string `json:"context"`
	TargetURL   string `json:"target_url"`
}

// MapStatus translates an inbound state into the provider status
// vocabulary. Unrecognized states degrade to PENDING and keep the original
// state visible in the description.
func MapStatus(update StatusUpdate) scm.StatusInfo {
	info := scm.StatusInfo{
		Description: update.Description,
		Key:         update.Context,
		URL:         update.TargetURL,
	}

	switch update.State {
	case "success":
		info.State = scm.StateSuccessful
	case "pending":
		info.State = scm.StateInProgress
	case "error", "fail":
		info.State = scm.StateFailed
	default:
		info.State = scm.StatePending
		info.Description = update.Description + " (original state:" + update.State + ")"
	}

	return info
}
