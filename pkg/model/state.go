// Package model holds the data types shared across the client: session
// tokens, pending-deployment records, the artifact parser's transient
// context, and the two closed-set enums that drive the state machine.
package model

import (
	"encoding/json"
	"fmt"
)

// ClientState is the closed set {init, authenticating, authenticated}.
// Transition is monotonic forward within one continuous run; a reboot resets
// the in-memory value to Init (it is never persisted).
type ClientState int

const (
	StateInit ClientState = iota
	StateAuthenticating
	StateAuthenticated
)

var clientStateNames = map[ClientState]string{
	StateInit:           "init",
	StateAuthenticating: "authenticating",
	StateAuthenticated:  "authenticated",
}

func (s ClientState) String() string {
	if n, ok := clientStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s ClientState) MarshalJSON() ([]byte, error) {
	n, ok := clientStateNames[s]
	if !ok {
		return nil, fmt.Errorf("marshal error; unknown client state %d", s)
	}
	return json.Marshal(n)
}

func (s *ClientState) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	for k, v := range clientStateNames {
		if v == text {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unmarshal error; unknown client state %q", text)
}

// DeploymentStatus is the closed set of wire status values reported to the
// server. Ordering is informational, not enforced by the type itself — the
// state machine is responsible for the ordering invariant in spec §8.
type DeploymentStatus int

const (
	StatusDownloading DeploymentStatus = iota
	StatusInstalling
	StatusRebooting
	StatusSuccess
	StatusFailure
	StatusAlreadyInstalled
)

var deploymentStatusNames = map[DeploymentStatus]string{
	StatusDownloading:      "downloading",
	StatusInstalling:       "installing",
	StatusRebooting:        "rebooting",
	StatusSuccess:          "success",
	StatusFailure:          "failure",
	StatusAlreadyInstalled: "already-installed",
}

func (s DeploymentStatus) String() string {
	if n, ok := deploymentStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s DeploymentStatus) MarshalJSON() ([]byte, error) {
	n, ok := deploymentStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("marshal error; unknown deployment status %d", s)
	}
	return json.Marshal(n)
}

func (s *DeploymentStatus) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	for k, v := range deploymentStatusNames {
		if v == text {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unmarshal error; unknown deployment status %q", text)
}
