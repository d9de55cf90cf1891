package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/lexiqai/converse-gateway/internal/audio"
	"github.com/lexiqai/converse-gateway/internal/config"
	"github.com/lexiqai/converse-gateway/internal/observability"
)

// maxLineSize bounds one JSON line of engine output (base64 PCM can be large)
const maxLineSize = 16 * 1024 * 1024

// ExecSynthesizer runs a local synthesis command once per sentence.
// The command reads one JSON request on stdin and writes JSON lines of
// base64 PCM (16-bit little-endian mono) on stdout.
type ExecSynthesizer struct {
	cmd        []string
	sampleRate int
	logger     zerolog.Logger
}

type execRequest struct {
	Text       string `json:"text"`
	SampleRate int    `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// NewExecSynthesizer parses command into arguments
func NewExecSynthesizer(command string, sampleRate int) (*ExecSynthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecSynthesizer{
		cmd:        args,
		sampleRate: sampleRate,
		logger:     observability.Component("tts.exec"),
	}, nil
}

// Name returns the engine name
func (e *ExecSynthesizer) Name() string {
	return config.TTSProviderExec
}

// Synthesize runs the command for text and collects all PCM it prints
func (e *ExecSynthesizer) Synthesize(ctx context.Context, text string) (Samples, error) {
	data, err := sonic.Marshal(execRequest{Text: text, SampleRate: e.sampleRate})
	if err != nil {
		return Samples{}, fmt.Errorf("%w: encode request: %v", ErrSynthesis, err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if err := cmd.Start(); err != nil {
		return Samples{}, fmt.Errorf("%w: start %s: %v", ErrSynthesis, e.cmd[0], err)
	}

	rate := e.sampleRate
	var pcm []byte
	var parseErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := sonic.Unmarshal(line, &resp); err != nil {
			parseErr = fmt.Errorf("decode response line: %w", err)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			parseErr = fmt.Errorf("decode pcm: %w", err)
			break
		}
		if resp.SampleRate > 0 {
			rate = resp.SampleRate
		}
		pcm = append(pcm, chunk...)
	}
	if parseErr == nil {
		parseErr = scanner.Err()
	}
	if parseErr != nil {
		// Unblock the child if it is still writing
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, ctxErr)
	}
	if parseErr != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, parseErr)
	}
	if waitErr != nil {
		e.logger.Warn().Err(waitErr).Str("stderr", stderr.String()).Msg("TTS command failed")
		return Samples{}, fmt.Errorf("%w: %s: %v", ErrSynthesis, e.cmd[0], waitErr)
	}
	if len(pcm) == 0 {
		return Samples{}, fmt.Errorf("%w: command produced no audio", ErrSynthesis)
	}

	samples, err := audio.PCMToFloat(pcm)
	if err != nil {
		return Samples{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return Samples{Rate: rate, Data: samples}, nil
}
