package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"retrovert/config"
)

// Run invokes ffmpeg with the provided args and returns (stdout, stderr,
// error). The configured thread cap is always injected ahead of the caller's
// arguments so the external process cannot exceed its CPU budget.
func Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	full := append([]string{"-threads", fmt.Sprint(config.GetEncodeThreads())}, args...)

	ffmpeg := "ffmpeg"
	log.Infoln(ffmpeg, strings.Join(full, " "))
	cmd := exec.CommandContext(ctx, ffmpeg, full...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if err != nil {
		log.Errorf("ffmpeg error: %v", err)
		log.Errorln("stderr:", stderr.String())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}
