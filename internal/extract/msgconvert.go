package extract

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const msgConvertTimeout = 30 * time.Second

// convertCompoundDocument shells out to the configured converter (msgconvert)
// to turn a legacy Outlook container into a standard MIME message, then
// extracts from the result. A missing or failing converter skips the
// attachment; it is never fatal.
func (e *Extractor) convertCompoundDocument(data []byte, filename string) []Payload {
	if e.msgConvert == "" {
		e.logger.Warn("Skipping legacy message container, no converter configured",
			zap.String("filename", filename),
		)
		return nil
	}

	tmp, err := os.CreateTemp("", "dmarcwatch-*.msg")
	if err != nil {
		e.logger.Warn("Failed to stage legacy message container", zap.Error(err))
		return nil
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		e.logger.Warn("Failed to stage legacy message container", zap.Error(err))
		return nil
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), msgConvertTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.msgConvert, "--outfile", "-", tmp.Name())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		e.logger.Warn("Legacy message conversion failed",
			zap.String("filename", filename),
			zap.String("stderr", stderr.String()),
			zap.Error(err),
		)
		return nil
	}

	payloads, err := e.ExtractMessage(stdout.Bytes())
	if err != nil {
		e.logger.Warn("Failed to extract from converted message",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return nil
	}
	return payloads
}
