// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloudinit renders the #cloud-config documents injected into guests.
package cloudinit

import (
	"errors"
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

var ErrMissingUser = errors.New("cloud-config needs a default user")

const header = "#cloud-config\n"

// UserData is the subset of cloud-config used to make a guest reachable
// over SSH with key authentication only.
type UserData struct {
	// User renames the image's default user.
	User              string   `json:"user"`
	SSHPasswordAuth   bool     `json:"ssh_pwauth"`
	DisableRoot       bool     `json:"disable_root"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
	// RunCommands run once at first boot.
	RunCommands       []string `json:"runcmd,omitempty"`
}

// ForGuest returns the user data of a key-only guest. Blank keys are
// dropped.
func ForGuest(user string, authorizedKeys ...string) UserData {
	keys := make([]string, 0, len(authorizedKeys))
	for _, k := range authorizedKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return UserData{
		User:              user,
		SSHPasswordAuth:   false,
		DisableRoot:       true,
		SSHAuthorizedKeys: keys,
	}
}

// Render returns the document, header included.
func (ud UserData) Render() (string, error) {
	if ud.User == "" {
		return "", ErrMissingUser
	}
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config: %w", err)
	}
	return header + string(b), nil
}
