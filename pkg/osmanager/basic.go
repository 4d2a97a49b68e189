package osmanager

import (
	"encoding/json"

	"github.com/openuds/engine/pkg/types"
)

// BasicManager renames the guest to the service's friendly name and
// tracks readiness through os_state. It is the baseline manager for
// both Linux and Windows guests without domain membership.
type BasicManager struct {
	// Persistent keeps the machine assigned across logouts.
	Persistent bool
	// ReclaimUnused marks idle services removable after the unused
	// threshold.
	ReclaimUnused bool
}

type basicConfig struct {
	Persistent    bool `json:"persistent"`
	ReclaimUnused bool `json:"reclaim_unused"`
}

func init() {
	Register("basic", func(data []byte) (Manager, error) {
		var cfg basicConfig
		if len(data) > 0 {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		}
		return &BasicManager{Persistent: cfg.Persistent, ReclaimUnused: cfg.ReclaimUnused}, nil
	})
}

func (m *BasicManager) TypeName() string { return "basic" }

func (m *BasicManager) ActorData(us *types.UserService) (ActorData, error) {
	return ActorData{Action: "rename", Name: us.FriendlyName}, nil
}

// CheckState reads readiness off the row: the agent's ready callback
// already moved os_state, so there is nothing to poll remotely.
func (m *BasicManager) CheckState(us *types.UserService) (types.TaskState, error) {
	if us.OSState == types.StateUsable {
		return types.TaskFinished, nil
	}
	return types.TaskRunning, nil
}

func (m *BasicManager) IsPersistent() bool { return m.Persistent }

func (m *BasicManager) ManagesUnused() bool { return m.ReclaimUnused }

func (m *BasicManager) HandleUnused(us *types.UserService) (bool, error) {
	return m.ReclaimUnused, nil
}

func (m *BasicManager) IsRemovableOnLogout() bool { return !m.Persistent }

func (m *BasicManager) UpdateCredentials(us *types.UserService, username, password string) (string, string) {
	return username, password
}

func (m *BasicManager) ProcessReady(us *types.UserService) error { return nil }

func (m *BasicManager) LoggedIn(us *types.UserService, username string) error { return nil }

func (m *BasicManager) LoggedOut(us *types.UserService, username string) error { return nil }
