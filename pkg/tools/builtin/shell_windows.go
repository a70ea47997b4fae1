//go:build windows

package builtin

import "fmt"

const (
	shellName = "cmd.exe"
	shellFlag = "/C"
)

func chainPwd(dir, cmd string) string {
	return fmt.Sprintf("cd /d %q && %s && cd", dir, cmd)
}
