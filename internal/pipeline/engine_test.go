package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/nahicyan/docmerge/internal/chunker"
	"github.com/nahicyan/docmerge/internal/config"
	"github.com/nahicyan/docmerge/internal/convert"
	"github.com/nahicyan/docmerge/internal/datasource"
	"github.com/nahicyan/docmerge/internal/filestore"
	"github.com/nahicyan/docmerge/internal/mapping"
	"github.com/nahicyan/docmerge/internal/progress"
)

// fakeConverter wraps the text converter with per-row failures and delays.
type fakeConverter struct {
	mu       sync.Mutex
	attempts map[int]int
	fail     func(row, attempt int) error
	delay    func(row int) time.Duration
	block    bool
}

func (f *fakeConverter) Name() string      { return "fake" }
func (f *fakeConverter) Format() string    { return "txt" }
func (f *fakeConverter) Extension() string { return ".txt" }

func (f *fakeConverter) Convert(ctx context.Context, input, outDir string) (convert.Result, error) {
	var n int
	fmt.Sscanf(filepath.Base(input), "row-%05d.docx", &n)
	row := n - 1

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[int]int{}
	}
	attempt := f.attempts[row]
	f.attempts[row]++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return convert.Result{}, ctx.Err()
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(row)):
		case <-ctx.Done():
			return convert.Result{}, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(row, attempt); err != nil {
			return convert.Result{}, err
		}
	}
	return convert.Text{}.Convert(ctx, input, outDir)
}

func (f *fakeConverter) attemptsFor(row int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[row]
}

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func letter(t *testing.T) []byte {
	return buildDocx(t,
		`<w:p><w:r><w:t xml:space="preserve">Dear &lt;&lt;first_name&gt;&gt;,</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t xml:space="preserve">Mailed &lt;&lt;mailing_date&gt;&gt; to &lt;&lt;city&gt;&gt;</w:t></w:r></w:p>`)
}

const fiveRows = "first_name,city\nAda,London\nGrace,Arlington\nEdsger,Austin\nBarbara,Boston\nDonald,Stanford\n"

func testConfig(t *testing.T) config.Config {
	return config.Config{
		DataDir:          t.TempDir(),
		DownloadPrefix:   "/downloads",
		DefaultChunkSize: 200,
		MergeWorkers:     2,
		ConvertWorkers:   2,
		MaxWorkers:       8,
		OutputFormat:     "txt",
		DateLayout:       "January 2, 2006",
		ConvertRetries:   1,
		StatsWindow:      time.Hour,
		JobTimeout:       time.Minute,
		JobTTL:           time.Hour,
		ProgressTTL:      time.Hour,
		TemplateTTL:      time.Hour,
		ArtifactTTL:      time.Hour,
		SweepInterval:    time.Minute,
	}
}

func newTestEngine(t *testing.T, conv convert.Converter) (*Engine, *progress.MemoryStore) {
	t.Helper()
	cfg := testConfig(t)
	templates, err := filestore.New(filepath.Join(cfg.DataDir, "templates"), cfg.TemplateTTL)
	if err != nil {
		t.Fatal(err)
	}
	outputs, err := filestore.New(filepath.Join(cfg.DataDir, "outputs"), cfg.ArtifactTTL)
	if err != nil {
		t.Fatal(err)
	}
	store := progress.NewMemoryStore(cfg.JobTimeout+cfg.ProgressTTL, cfg.ProgressTTL)
	deps := Deps{
		Progress:  store,
		Templates: templates,
		Outputs:   outputs,
	}
	if conv != nil {
		deps.Converters = func(string) (convert.Converter, error) { return conv, nil }
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(cfg, deps, log), store
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := map[string]string{}
	var names []string
	for _, f := range zr.File {
		rc, _ := f.Open()
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
		names = append(names, f.Name)
	}
	out["__order"] = strings.Join(names, ",")
	return out
}

func resultPath(t *testing.T, e *Engine, fileName string) string {
	t.Helper()
	p, err := e.outputs.Path(fileName)
	if err != nil {
		t.Fatalf("result not stored: %v", err)
	}
	return p
}

func TestRowSource_Chunks(t *testing.T) {
	table, err := datasource.Load([]byte("a,b\n1,2\n3,4,5\n6,7\n"), "rows.csv", datasource.Options{})
	if err != nil {
		t.Fatal(err)
	}
	src := NewRowSource(table)
	if src.Total() != 3 {
		t.Fatalf("expected 3 rows, got %d", src.Total())
	}
	var got []Record
	for _, c := range chunker.Split(src.Total(), 2) {
		for rec := range src.Rows(c) {
			got = append(got, rec)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Values["a"] != "1" || got[2].Values["b"] != "7" {
		t.Errorf("unexpected values %+v", got)
	}
	if !IsDecode(got[1].Err) || got[1].Index != 1 {
		t.Errorf("expected decode failure at index 1, got %+v", got[1])
	}
}

func TestAnalyze(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	req := AnalyzeRequest{Template: letter(t), Data: []byte(fiveRows), DataName: "people.csv"}

	a, err := e.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if strings.Join(a.Placeholders, ",") != "first_name,mailing_date,city" {
		t.Errorf("unexpected placeholders %v", a.Placeholders)
	}
	if strings.Join(a.Headers, ",") != "first_name,city" {
		t.Errorf("unexpected headers %v", a.Headers)
	}
	if a.RowCount != 5 || a.TemplateSource != "angle_tokens" || a.TemplateID == "" {
		t.Errorf("unexpected analysis %+v", a)
	}
	if _, ok := a.Suggested["mailing_date"].(mapping.FixedDate); !ok {
		t.Errorf("expected mailing_date auto-bound to a date, got %#v", a.Suggested["mailing_date"])
	}
	if !a.Report.Complete {
		t.Errorf("expected complete suggested mapping, got %+v", a.Report)
	}

	again, err := e.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if again.TemplateID != a.TemplateID ||
		strings.Join(again.Placeholders, ",") != strings.Join(a.Placeholders, ",") ||
		strings.Join(again.Headers, ",") != strings.Join(a.Headers, ",") {
		t.Error("expected analyze to be idempotent")
	}
}

func TestAnalyze_ValidationErrors(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	static := buildDocx(t, `<w:p><w:r><w:t>No markers here</w:t></w:r></w:p>`)
	tests := []struct {
		name string
		req  AnalyzeRequest
	}{
		{"no placeholders", AnalyzeRequest{Template: static, Data: []byte(fiveRows), DataName: "a.csv"}},
		{"no rows", AnalyzeRequest{Template: letter(t), Data: []byte("first_name,city\n"), DataName: "a.csv"}},
		{"not docx", AnalyzeRequest{Template: []byte("hello"), Data: []byte(fiveRows), DataName: "a.csv"}},
		{"missing template", AnalyzeRequest{Data: []byte(fiveRows), DataName: "a.csv"}},
		{"bad extension", AnalyzeRequest{Template: letter(t), Data: []byte(fiveRows), DataName: "a.pdf"}},
		{"missing sheet", AnalyzeRequest{Template: letter(t),
			Data:     []byte("<table><tr><th>first_name</th></tr><tr><td>Ada</td></tr></table>"),
			DataName: "a.html",
			Source:   datasource.Options{SheetName: "Q3"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Analyze(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestGenerate_ChunkedRowsAllCredited(t *testing.T) {
	// Later rows finish first so completion order differs from row order.
	conv := &fakeConverter{delay: func(row int) time.Duration {
		return time.Duration(5-row) * 5 * time.Millisecond
	}}
	e, store := newTestEngine(t, conv)

	res, err := e.Generate(context.Background(), GenerateRequest{
		Template:     letter(t),
		Data:         []byte(fiveRows),
		DataName:     "people.csv",
		ProgressID:   "scenario-b",
		ChunkSize:    2,
		MergeWorkers: 2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	st, err := store.Get(context.Background(), "scenario-b")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.Processed != 5 || st.Total != 5 || st.Percent != 100 || !st.Done || st.Failed {
		t.Errorf("expected 5/5 done, got %+v", st)
	}
	if res.Stats.RowsSucceeded != 5 || res.Stats.VariablesFound != 3 || res.Stats.VariablesMapped != 3 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if res.Stats.PageCount != 5 {
		t.Errorf("expected 5 pages, got %d", res.Stats.PageCount)
	}
	if res.Message != "Generated 5 of 5 documents" {
		t.Errorf("unexpected message %q", res.Message)
	}
	if res.DownloadURL != "/downloads/"+res.FileName {
		t.Errorf("unexpected download url %q", res.DownloadURL)
	}

	entries := readZip(t, resultPath(t, e, res.FileName))
	wantOrder := "row-00001.txt,row-00002.txt,row-00003.txt,row-00004.txt,row-00005.txt"
	if entries["__order"] != wantOrder {
		t.Errorf("expected row order %s, got %s", wantOrder, entries["__order"])
	}
	if !strings.Contains(entries["row-00001.txt"], "Dear Ada,") {
		t.Errorf("expected first row rendered, got %q", entries["row-00001.txt"])
	}
	if !strings.Contains(entries["row-00005.txt"], "to Stanford") {
		t.Errorf("expected last row rendered, got %q", entries["row-00005.txt"])
	}
	if strings.Contains(entries["row-00003.txt"], "<<") {
		t.Errorf("expected every marker replaced, got %q", entries["row-00003.txt"])
	}

	snap := e.GetJob("scenario-b").Snapshot()
	if snap.Status != StatusCompleted {
		t.Errorf("expected completed job, got %q", snap.Status)
	}
}

func TestGenerate_RowMergeFailureIsolated(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{})
	data := "first_name,city\nAda,London\nGrace,Arlington\nBad\x01Row,Austin\nBarbara,Boston\nDonald,Stanford\n"

	res, err := e.Generate(context.Background(), GenerateRequest{
		Template:   letter(t),
		Data:       []byte(data),
		DataName:   "people.csv",
		ProgressID: "scenario-c",
		ChunkSize:  2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	st, _ := store.Get(context.Background(), "scenario-c")
	if st.Processed != 5 || !st.Done {
		t.Errorf("expected processed=5 and done, got %+v", st)
	}
	if res.Stats.RowsSucceeded != 4 || res.Stats.MergeFailures != 1 || res.Stats.RowsFailed != 1 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if !strings.HasPrefix(res.Message, "Generated 4 of 5 documents; 1 row failed (row 3: merge:") {
		t.Errorf("unexpected message %q", res.Message)
	}
	entries := readZip(t, resultPath(t, e, res.FileName))
	if entries["__order"] != "row-00001.txt,row-00002.txt,row-00004.txt,row-00005.txt" {
		t.Errorf("expected row 3 missing from archive, got %s", entries["__order"])
	}
}

func TestGenerate_DecodeAndConvertFailures(t *testing.T) {
	conv := &fakeConverter{fail: func(row, attempt int) error {
		switch {
		case row == 3:
			return errors.New("corrupt document")
		case row == 4 && attempt == 0:
			return &convert.RetryableError{Err: errors.New("exit status 1")}
		}
		return nil
	}}
	e, _ := newTestEngine(t, conv)
	data := "first_name,city\nAda,London\nGrace,Arlington,extra\nEdsger,Austin\nBarbara,Boston\nDonald,Stanford\n"

	res, err := e.Generate(context.Background(), GenerateRequest{
		Template: letter(t),
		Data:     []byte(data),
		DataName: "people.csv",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stats.DecodeFailures != 1 || res.Stats.ConvertFailures != 1 || res.Stats.RowsSucceeded != 3 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if conv.attemptsFor(4) != 2 {
		t.Errorf("expected retryable failure retried once, got %d attempts", conv.attemptsFor(4))
	}
	if conv.attemptsFor(3) != 1 {
		t.Errorf("expected permanent failure not retried, got %d attempts", conv.attemptsFor(3))
	}
	if conv.attemptsFor(1) != 0 {
		t.Error("expected decode failure never converted")
	}
	if !strings.HasPrefix(res.ProgressID, "job-") {
		t.Errorf("expected generated progress id, got %q", res.ProgressID)
	}
	if snap := e.ConvertStats(); snap.Failures != 2 || snap.Count != 3 {
		t.Errorf("expected 3 timed successes and 2 failures, got %+v", snap)
	}
}

func TestGenerate_SingleRow(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{})
	res, err := e.Generate(context.Background(), GenerateRequest{
		Template:   letter(t),
		Data:       []byte("first_name,city\nAda,London\n"),
		DataName:   "one.csv",
		ProgressID: "one",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	st, _ := store.Get(context.Background(), "one")
	if st.Processed != 1 || st.Total != 1 || st.Percent != 100 || !st.Done {
		t.Errorf("expected 1/1 done, got %+v", st)
	}
	if res.Stats.RowsSucceeded != 1 {
		t.Errorf("expected 1 success, got %+v", res.Stats)
	}
}

func TestGenerate_ZeroSuccessesFails(t *testing.T) {
	conv := &fakeConverter{fail: func(int, int) error { return errors.New("broken") }}
	e, store := newTestEngine(t, conv)

	res, err := e.Generate(context.Background(), GenerateRequest{
		Template:   letter(t),
		Data:       []byte(fiveRows),
		DataName:   "people.csv",
		ProgressID: "nothing",
	})
	var pe *PackagingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PackagingError, got %v", err)
	}
	if res == nil || res.FileName != "" || res.Stats.ConvertFailures != 5 {
		t.Errorf("expected no artifact and 5 convert failures, got %+v", res)
	}
	st, _ := store.Get(context.Background(), "nothing")
	if !st.Done || !st.Failed || st.Processed != 5 {
		t.Errorf("expected failed terminal progress, got %+v", st)
	}
	if e.GetJob("nothing").Snapshot().Status != StatusFailed {
		t.Error("expected failed job")
	}
}

func TestGenerate_DuplicateProgressID(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{})
	store.Start(context.Background(), "taken", 3)

	_, err := e.Generate(context.Background(), GenerateRequest{
		Template:   letter(t),
		Data:       []byte(fiveRows),
		DataName:   "people.csv",
		ProgressID: "taken",
	})
	if !errors.Is(err, progress.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestGenerate_ValidationErrors(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	tests := []struct {
		name string
		req  GenerateRequest
	}{
		{"unknown template id", GenerateRequest{TemplateID: "feedfacefeedface", Data: []byte(fiveRows), DataName: "a.csv"}},
		{"traversal template id", GenerateRequest{TemplateID: "../secret", Data: []byte(fiveRows), DataName: "a.csv"}},
		{"bad format", GenerateRequest{Template: letter(t), Data: []byte(fiveRows), DataName: "a.csv", Format: "odt"}},
		{"no rows", GenerateRequest{Template: letter(t), Data: []byte("first_name\n"), DataName: "a.csv"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Generate(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestGenerate_StoredTemplateAndExplicitMapping(t *testing.T) {
	e, _ := newTestEngine(t, &fakeConverter{})
	a, err := e.Analyze(context.Background(), AnalyzeRequest{Template: letter(t), Data: []byte(fiveRows), DataName: "p.csv"})
	if err != nil {
		t.Fatal(err)
	}
	m := mapping.Mapping{
		"first_name":   mapping.ColumnRef{Column: "first_name"},
		"mailing_date": mapping.FixedDate{Value: time.Date(2025, time.May, 1, 17, 0, 0, 0, time.UTC)},
	}
	res, err := e.Generate(context.Background(), GenerateRequest{
		TemplateID: a.TemplateID,
		Data:       []byte(fiveRows),
		DataName:   "p.csv",
		Mapping:    m,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stats.VariablesMapped != 2 || res.Stats.VariablesFound != 3 {
		t.Errorf("expected 2 of 3 mapped, got %+v", res.Stats)
	}
	entries := readZip(t, resultPath(t, e, res.FileName))
	if got := entries["row-00002.txt"]; !strings.Contains(got, "Mailed May 1, 2025 to <<city>>") {
		t.Errorf("expected date rendered and unbound city left verbatim, got %q", got)
	}
}

func waitForJob(t *testing.T, e *Engine, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j := e.GetJob(id); j != nil {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never started", id)
	return nil
}

func TestGenerate_Cancel(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{block: true})

	done := make(chan error, 1)
	var res *GenerateResult
	go func() {
		var err error
		res, err = e.Generate(context.Background(), GenerateRequest{
			Template:   letter(t),
			Data:       []byte(fiveRows),
			DataName:   "people.csv",
			ProgressID: "cancel-me",
		})
		done <- err
	}()

	waitForJob(t, e, "cancel-me")
	if err := e.Cancel("cancel-me"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrJobCancelled) {
			t.Errorf("expected ErrJobCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	if res == nil || res.Stats.RowsTotal != 5 || res.FileName != "" {
		t.Errorf("expected partial stats and no artifact, got %+v", res)
	}
	st, _ := store.Get(context.Background(), "cancel-me")
	if !st.Done || !st.Failed {
		t.Errorf("expected failed terminal progress, got %+v", st)
	}
	if err := e.Cancel("cancel-me"); !errors.Is(err, ErrJobFinished) {
		t.Errorf("expected ErrJobFinished, got %v", err)
	}
	if err := e.Cancel("never-existed"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	// The request context ending must not stop the job; only the timeout does.
	cancel()

	res, err := e.Generate(ctx, GenerateRequest{
		Template: letter(t),
		Data:     []byte(fiveRows),
		DataName: "people.csv",
		Timeout:  50 * time.Millisecond,
	})
	if !errors.Is(err, ErrJobTimeout) {
		t.Fatalf("expected ErrJobTimeout, got %v", err)
	}
	if !strings.HasPrefix(res.Message, "Job timed out after") {
		t.Errorf("unexpected message %q", res.Message)
	}
	if res.Stats.RowsTotal != 5 {
		t.Errorf("expected rowsTotal 5, got %d", res.Stats.RowsTotal)
	}
	if res.Stats.RowsSucceeded != 0 {
		t.Errorf("expected no row to finish conversion, got %d", res.Stats.RowsSucceeded)
	}
	if res.FileName != "" || res.DownloadURL != "" {
		t.Errorf("expected no artifact, got %q %q", res.FileName, res.DownloadURL)
	}

	st, err := store.Get(context.Background(), res.ProgressID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !st.Done || !st.Failed {
		t.Errorf("expected done and failed progress, got %+v", st)
	}
	if st.Processed > st.Total {
		t.Errorf("expected processed <= total, got %d/%d", st.Processed, st.Total)
	}
	if job := e.GetJob(res.ProgressID); job == nil || job.Snapshot().Status != StatusFailed {
		t.Errorf("expected failed job snapshot")
	}
}

func manyRows(n int) string {
	var sb strings.Builder
	sb.WriteString("first_name,city\n")
	for i := range n {
		fmt.Fprintf(&sb, "P%d,C%d\n", i, i)
	}
	return sb.String()
}

func TestGenerate_CancelStopsMergeWithinChunk(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{block: true})
	const total = 2000

	done := make(chan error, 1)
	var res *GenerateResult
	go func() {
		var err error
		res, err = e.Generate(context.Background(), GenerateRequest{
			Template:       letter(t),
			Data:           []byte(manyRows(total)),
			DataName:       "people.csv",
			ProgressID:     "one-chunk",
			ChunkSize:      total * 2,
			MergeWorkers:   1,
			ConvertWorkers: 1,
		})
		done <- err
	}()

	waitForJob(t, e, "one-chunk")
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := store.Get(context.Background(), "one-chunk")
		if err == nil && st.Processed > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("merge never credited a row")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := e.Cancel("one-chunk"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrJobCancelled) {
			t.Fatalf("expected ErrJobCancelled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	st, _ := store.Get(context.Background(), "one-chunk")
	if st.Processed >= total {
		t.Errorf("expected merge to stop mid-chunk, processed %d of %d", st.Processed, total)
	}
	if res.Stats.RowsTotal != total || res.FileName != "" {
		t.Errorf("expected partial stats without artifact, got %+v", res)
	}
}

func TestProgress_UnknownID(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if _, err := e.Progress(context.Background(), "does-not-exist"); !errors.Is(err, progress.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStop_RejectsNewJobs(t *testing.T) {
	e, _ := newTestEngine(t, &fakeConverter{})
	e.Start(context.Background())
	e.Stop()
	_, err := e.Generate(context.Background(), GenerateRequest{Template: letter(t), Data: []byte(fiveRows), DataName: "a.csv"})
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestStop_CancelsRunningJob(t *testing.T) {
	e, _ := newTestEngine(t, &fakeConverter{block: true})
	e.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), GenerateRequest{
			Template: letter(t), Data: []byte(fiveRows), DataName: "a.csv", ProgressID: "inflight",
		})
		done <- err
	}()
	waitForJob(t, e, "inflight")

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := <-done; !errors.Is(err, ErrJobCancelled) {
		t.Errorf("expected ErrJobCancelled, got %v", err)
	}
}

// A job that passed admission before Stop but registers afterwards must still
// observe the shutdown.
func TestStop_CancelsJobRegisteredLate(t *testing.T) {
	e, _ := newTestEngine(t, &fakeConverter{block: true})
	e.stopJobs(ErrJobCancelled)

	done := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), GenerateRequest{
			Template: letter(t), Data: []byte(fiveRows), DataName: "a.csv", ProgressID: "late",
		})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrJobCancelled) {
			t.Errorf("expected ErrJobCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job started after shutdown was never cancelled")
	}
}

func styledLetter(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, body string }{
		{"word/document.xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			`<w:p><w:r><w:t xml:space="preserve">Dear &lt;&lt;first_name&gt;&gt; of &lt;&lt;city&gt;&gt;,</w:t></w:r></w:p>` +
			`</w:body></w:document>`},
		{"word/styles.xml", `<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"/>`},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(p.body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestGenerate_ParallelMergeSharesTemplate(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	const total = 40
	res, err := e.Generate(context.Background(), GenerateRequest{
		Template:       styledLetter(t),
		Data:           []byte(manyRows(total)),
		DataName:       "people.csv",
		ChunkSize:      3,
		MergeWorkers:   8,
		ConvertWorkers: 4,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stats.RowsSucceeded != total {
		t.Fatalf("expected %d rows, got %+v", total, res.Stats)
	}
	entries := readZip(t, resultPath(t, e, res.FileName))
	for i := range total {
		want := fmt.Sprintf("Dear P%d of C%d,", i, i)
		if got := entries[fmt.Sprintf("row-%05d.txt", i+1)]; !strings.Contains(got, want) {
			t.Errorf("row %d: expected %q, got %q", i+1, want, got)
		}
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	e, store := newTestEngine(t, &fakeConverter{})
	res, err := e.Generate(context.Background(), GenerateRequest{
		Template: letter(t), Data: []byte(fiveRows), DataName: "a.csv", ProgressID: "old",
	})
	if err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	e.Sweep(context.Background())

	if e.GetJob("old") != nil {
		t.Error("expected job swept")
	}
	if _, err := store.Get(context.Background(), "old"); !errors.Is(err, progress.ErrNotFound) {
		t.Error("expected progress entry swept")
	}
	if _, err := e.outputs.Path(res.FileName); !errors.Is(err, filestore.ErrNotFound) {
		t.Error("expected artifact swept")
	}
}
