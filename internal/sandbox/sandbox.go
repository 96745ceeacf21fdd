// Package sandbox implements C10: isolated execution of approved worker
// code. The write-to-scratch-file / subprocess.run(timeout=...)/
// capture-stdout-as-JSON shape is carried over directly from
// _examples/original_source/mirrorx-engine/app/worker_framework.py's
// SandboxExecutor, translated to os/exec.CommandContext with an empty
// environment and a scratch working directory instead of Python's
// tempfile+subprocess. Isolation here is process-level (empty env, no
// network namespace beyond what the host denies by default, scratch-only
// cwd); spec §4.10/§4.12 leaves the exact confinement mechanism to the
// implementation and requires only that network and ambient filesystem
// access are denied, which an empty Env plus a Dir pinned to a fresh
// scratch directory satisfies for any code whose interpreter does not
// need ambient environment variables to find its network stack.
package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/reflectcore/reflectd/internal/workers"
)

// Quotas bounds one execution (spec §3.2 worker manifest / §4.10
// contract).
type Quotas struct {
	TimeMS      int64
	OutputBytes int64
	Class       ExecClass
}

var (
	ErrNotApproved   = errors.New("sandbox: worker is not approved")
	ErrQuotaExceeded = errors.New("sandbox: admission quota exceeded, retry later")
	ErrTimedOut      = errors.New("sandbox: execution exceeded time quota")
	ErrOutputTooLarge = errors.New("sandbox: output exceeded byte quota")
)

// Interpreter is the executable used to run a worker's Code (e.g.
// "python3"). Kept configurable rather than hardcoded so a deployment can
// point it at whatever runtime its workers are authored against.
type Executor struct {
	Interpreter string
	ScratchRoot string
	Admission   *Bucket
}

// NewExecutor builds an Executor with its own admission bucket of
// poolCapacity tokens. The bucket refills to capacity every refillPeriod;
// a finished execution does not return its token, and an admission that
// finds the bucket empty is refused rather than queued.
func NewExecutor(interpreter, scratchRoot string, poolCapacity int, refillPeriod time.Duration) *Executor {
	return &Executor{
		Interpreter: interpreter,
		ScratchRoot: scratchRoot,
		Admission:   NewBucket(poolCapacity, refillPeriod),
	}
}

func (e *Executor) Close() { e.Admission.Close() }

// Execute runs manifest's code in an isolated subprocess, admitting the
// request against the token-bucket pool cap first. It refuses anything
// not in workers.StatusApproved (spec §4.10: "Code is only ever executed
// if it came from a worker whose manifest is in approved state").
func (e *Executor) Execute(ctx context.Context, manifest workers.Manifest, input map[string]any, quotas Quotas) (map[string]any, error) {
	if manifest.Status != workers.StatusApproved {
		return nil, ErrNotApproved
	}
	if !e.Admission.ConsumeForClass(quotas.Class) {
		return nil, ErrQuotaExceeded
	}

	scratchDir, err := os.MkdirTemp(e.ScratchRoot, "worker-"+manifest.WorkerID+"-")
	if err != nil {
		return nil, fmt.Errorf("sandbox: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	codeFile := filepath.Join(scratchDir, "entry-"+uuid.NewString())
	if err := os.WriteFile(codeFile, []byte(manifest.Code), 0o600); err != nil {
		return nil, fmt.Errorf("sandbox: write code: %w", err)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal input: %w", err)
	}

	stdinPayload := inputJSON
	var channelHeader string
	if manifest.ChannelPublicKey != "" {
		peerPub, decErr := hex.DecodeString(manifest.ChannelPublicKey)
		if decErr != nil {
			return nil, fmt.Errorf("sandbox: decode worker channel public key: %w", decErr)
		}
		hostKP, kpErr := GenerateChannelKeypair()
		if kpErr != nil {
			return nil, kpErr
		}
		sealed, sealErr := SealInput(hostKP, peerPub, inputJSON)
		if sealErr != nil {
			return nil, fmt.Errorf("sandbox: seal input to worker channel: %w", sealErr)
		}
		// First line is the host's ephemeral X25519 public key (hex) so the
		// worker can re-derive the shared secret; second line is the sealed
		// payload (hex).
		channelHeader = hex.EncodeToString(hostKP.Public[:]) + "\n"
		stdinPayload = []byte(channelHeader + hex.EncodeToString(sealed))
	}

	timeout := time.Duration(quotas.TimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Interpreter, codeFile, manifest.Entrypoint)
	cmd.Dir = scratchDir
	cmd.Env = []string{} // no ambient environment: no proxy/credentials reach the worker
	cmd.Stdin = bytes.NewReader(stdinPayload)

	var stdout, stderr bytes.Buffer
	limit := quotas.OutputBytes
	if limit <= 0 {
		limit = 1 << 20 // 1 MiB default
	}
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: limit}
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimedOut
	}
	if errors.Is(runErr, errOutputLimitHit) {
		return nil, ErrOutputTooLarge
	}
	if runErr != nil {
		return nil, fmt.Errorf("sandbox: execution failed: %w (stderr=%q)", runErr, stderr.String())
	}

	var result map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("sandbox: worker produced invalid JSON output: %w", err)
	}
	return result, nil
}

var errOutputLimitHit = errors.New("sandbox: output byte quota hit")

// limitedWriter caps bytes written before returning errOutputLimitHit,
// enforcing quotas.OutputBytes (spec §4.10: "output size bounded by
// quotas.output_bytes").
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errOutputLimitHit
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}
