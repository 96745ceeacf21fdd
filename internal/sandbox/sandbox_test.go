package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/reflectcore/reflectd/internal/workers"
)

// catWorker builds an approved manifest whose "interpreter" is /bin/cat.
// Execute runs `cat <code file> <entrypoint>`; with empty Code and "-" as
// the entrypoint, cat prints the empty code file and then echoes stdin back
// as stdout — enough to exercise the quota/admission/isolation plumbing
// without depending on any scripting runtime being installed.
func catWorker() workers.Manifest {
	return workers.Manifest{
		WorkerID:  "w-cat",
		Name:      "echo",
		Status:    workers.StatusApproved,
		Code:      "",
		Entrypoint: "-",
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available in this environment")
	}
	ex := NewExecutor("/bin/cat", t.TempDir(), 10, time.Minute)
	t.Cleanup(ex.Close)
	return ex
}

func TestExecute_RejectsUnapprovedManifest(t *testing.T) {
	ex := newTestExecutor(t)
	m := catWorker()
	m.Status = workers.StatusProposed
	_, err := ex.Execute(context.Background(), m, map[string]any{"x": 1}, Quotas{Class: ClassLight})
	if err != ErrNotApproved {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
}

func TestExecute_EchoesJSONInputAsOutput(t *testing.T) {
	ex := newTestExecutor(t)
	result, err := ex.Execute(context.Background(), catWorker(), map[string]any{"hello": "world"}, Quotas{Class: ClassLight, TimeMS: 2000, OutputBytes: 4096})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["hello"] != "world" {
		t.Errorf("expected echoed input, got %+v", result)
	}
}

func TestExecute_QuotaExhaustionBlocksAdmission(t *testing.T) {
	ex := newTestExecutor(t)
	ex.Admission.Close()
	ex.Admission = NewBucket(1, time.Hour)
	t.Cleanup(ex.Admission.Close)

	_, err := ex.Execute(context.Background(), catWorker(), map[string]any{}, Quotas{Class: ClassHeavy, TimeMS: 2000, OutputBytes: 4096})
	if err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded (capacity 1 < heavy cost %d), got %v", CostModel[ClassHeavy], err)
	}
}

func TestExecute_OutputByteQuotaRejectsOversizedOutput(t *testing.T) {
	ex := newTestExecutor(t)
	big := make(map[string]any)
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = 'a'
	}
	big["blob"] = string(payload)
	_, err := ex.Execute(context.Background(), catWorker(), big, Quotas{Class: ClassLight, TimeMS: 2000, OutputBytes: 16})
	if err != ErrOutputTooLarge {
		t.Fatalf("expected ErrOutputTooLarge, got %v", err)
	}
}
