//go:build !windows

package builtin

import "fmt"

const (
	shellName = "/bin/sh"
	shellFlag = "-c"
)

func chainPwd(dir, cmd string) string {
	return fmt.Sprintf("cd %q && %s && pwd", dir, cmd)
}
