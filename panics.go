package stageflow

import (
	"runtime"
	"strings"
)

// RecoverHandler converts a recovered panic into a logged error so one
// misbehaving collaborator call cannot take down a drain loop. Use as:
//
//	defer RecoverHandler(logger, "executor.dispatch", fields)()
func RecoverHandler(logger Logger, funcName string, fields map[string]any) func() {
	return func() {
		if err := recover(); err != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			log := WithLoggerFields(NormalizeLogger(logger), MergeFields(fields, map[string]any{
				"func":  funcName,
				"panic": err,
			}))
			log.Error("recovered from panic\n%s", cleanStackTrace(stack[:n]))
		}
	}
}

func cleanStackTrace(stack []byte) string {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return strings.Join(lines, "\n")
}
