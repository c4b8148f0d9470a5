//go:build darwin

package config

import "os/exec"

func keychainExec(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

// keychainSet adds or updates (-U) a generic password item labelled so it
// is recognisable in Keychain Access.
func keychainSet(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U",
		"-l", "rankzen "+account,
		"-s", service, "-a", account, "-w", value).Run()
}
