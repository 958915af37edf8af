//go:build windows

package hwid

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows/registry"
)

func platformSources() []Source {
	return []Source{
		{Name: "machine_guid", Reliable: true, Probe: machineGUID},
		{Name: "bios_serial", Reliable: true, Probe: biosSerial},
		hashed(Source{Name: "cpu", Reliable: true, Probe: func() (string, error) {
			return os.Getenv("PROCESSOR_IDENTIFIER"), nil
		}}),
	}
}

func machineGUID() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Cryptography`, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return "", err
	}
	defer k.Close()
	v, _, err := k.GetStringValue("MachineGuid")
	return v, err
}

func biosSerial() (string, error) {
	out, err := exec.Command("wmic", "bios", "get", "serialnumber").Output()
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.ReplaceAll(string(out), "\r", ""), "\n")
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(l); l != "" {
			return l, nil
		}
	}
	return "", errors.New("no bios serial")
}
