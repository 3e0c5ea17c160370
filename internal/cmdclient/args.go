package cmdclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ankouros/ptdrive/internal/model"
)

// BuildArgs returns the client argv (without argv[0]) that runs command on
// target. Custom argument templates win over the generated ssh arguments.
func BuildArgs(target model.Target, command string) []string {
	if len(target.Client.Args) > 0 {
		return applyPlaceholders(target.Client.Args, target, command)
	}

	args := []string{
		"-o", "StrictHostKeyChecking=" + strictHostKeyChecking(target.HostKey.Mode),
	}
	switch {
	case target.HostKey.Mode == model.HostKeyInsecure:
		args = append(args, "-o", "UserKnownHostsFile=/dev/null")
	case target.HostKey.KnownHostsPath != "":
		args = append(args, "-o", "UserKnownHostsFile="+target.HostKey.KnownHostsPath)
	}

	if t := target.Client.ConnectTimeout; t > 0 {
		secs := int(t.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}

	switch target.Auth.Method {
	case model.AuthPassword, model.AuthKeyboardInteractive:
		// Keep the client from trying keys first and eating the prompt window.
		args = append(args, "-o", "PreferredAuthentications=keyboard-interactive,password")
	}

	for _, opt := range target.Client.ExtraOptions {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		args = append(args, "-o", opt)
	}

	if target.Port != 0 && target.Port != model.DefaultPort {
		args = append(args, "-p", strconv.Itoa(target.Port))
	}

	identity := target.Client.IdentityFile
	if identity == "" && target.Auth.Method == model.AuthKey {
		identity = target.Auth.KeyPath
	}
	if identity != "" {
		args = append(args, "-i", identity)
	}

	args = append(args, target.Address())
	if command != "" {
		args = append(args, command)
	}
	return args
}

func strictHostKeyChecking(mode model.HostKeyMode) string {
	switch mode {
	case model.HostKeyKnownHosts:
		return "yes"
	case model.HostKeyInsecure:
		return "no"
	default:
		return "accept-new"
	}
}

func applyPlaceholders(args []string, target model.Target, command string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			continue
		}
		out = append(out, applyPlaceholdersOne(a, target, command))
	}
	return out
}

func applyPlaceholdersOne(s string, target model.Target, command string) string {
	port := target.Port
	if port == 0 {
		port = model.DefaultPort
	}
	// One pass, so substituted values are never expanded again.
	r := strings.NewReplacer(
		"{host}", target.Host,
		"{port}", fmt.Sprint(port),
		"{user}", target.User,
		"{target}", target.Address(),
		"{name}", target.Name,
		"{command}", command,
	)
	return r.Replace(s)
}
