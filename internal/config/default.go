package config

import (
	"errors"
	"fmt"
	"os"
)

// DefaultPlaybook is written by "ptdrive config init".
const DefaultPlaybook = `# ptdrive playbook
#
# The password is never stored here. Export PTDRIVE_PASSWORD or let ptdrive
# prompt for it.

target:
  name: example
  host: 192.168.11.90
  user: root
  driver: exec            # exec (ssh binary on a PTY) or native (in-process SSH)
  auth:
    method: password      # password | key | agent | keyboard-interactive
  host_key:
    mode: accept-new      # known_hosts | accept-new | insecure
  responder:
    strategy: delay       # delay | prompt | none
    grace: 2s

policy: fail-open         # fail-open | fail-fast
poll_interval: 1s

steps:
  - name: uptime
    command: uptime
    timeout: 15s

  - name: restart
    command: systemctl restart myapp && echo RESTART_SUCCESS
    sentinel: RESTART_SUCCESS
    timeout: 60s
`

// WriteDefault writes DefaultPlaybook to path unless a file is already there.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return WriteFileAtomic(path, []byte(DefaultPlaybook), 0o600)
}
