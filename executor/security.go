// Package executor implements the execution collaborator: payloads produced
// by the loop are screened against the sandbox security policy and then run
// through a command runner. One shape serves both code payloads and CLI-style
// commands.
package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// The screen rejects payloads the sandbox would refuse anyway, before a
// process is ever spawned. The error texts deliberately match the loop's
// non-retryable patterns: a rejection here must never be retried.
var (
	forbiddenFunctions = []string{
		"eval", "exec", "system", "shell_exec", "passthru",
		"proc_open", "popen", "pcntl_exec", "assert",
	}
	blockedDecoders = []string{
		"base64_decode", "gzinflate", "gzuncompress", "str_rot13", "hex2bin",
	}
	superglobals = []string{
		"$_GET", "$_POST", "$_REQUEST", "$_COOKIE", "$_SERVER", "$_FILES", "$GLOBALS",
	}

	callPattern = regexp.MustCompile(`(?i)\b([a-z_][a-z0-9_]*)\s*\(`)
)

// Screen validates a payload against the sandbox policy. A nil return means
// the payload may be handed to the runner.
func Screen(payload string) error {
	if strings.Contains(payload, "`") {
		return fmt.Errorf("security violation: backtick execution is not allowed")
	}
	for _, sg := range superglobals {
		if strings.Contains(payload, sg) {
			return fmt.Errorf("security violation: superglobal access (%s) is not allowed", sg)
		}
	}
	for _, match := range callPattern.FindAllStringSubmatch(payload, -1) {
		name := strings.ToLower(match[1])
		for _, fn := range forbiddenFunctions {
			if name == fn {
				return fmt.Errorf("security violation: forbidden function %s()", name)
			}
		}
		for _, fn := range blockedDecoders {
			if name == fn {
				return fmt.Errorf("security violation: blocked decode function %s()", name)
			}
		}
	}
	return nil
}
