package engine_test

import (
	"context"
	"sync"
	"testing"

	"annoline/internal/domain"
	"annoline/internal/engine"
	"annoline/internal/engine/auth"
	"annoline/internal/notify"
	"annoline/internal/storage"
)

func TestReviewRequestAndApprove(t *testing.T) {
	env := newTestEnv(t)
	_, cat := seedStudies(t, env, "b1", 1)
	s := claim(t, env, annotator)

	_, err := env.Engine.RequestReview(env.Ctx, annotator, s.ID, []int64{cat.ID})
	requirePrecondition(t, "empty folder", err)
	upload(env, s, 1)
	_, err = env.Engine.RequestReview(env.Ctx, annotator2, s.ID, []int64{cat.ID})
	requirePrecondition(t, "foreign annotator", err)
	_, err = env.Engine.RequestReview(env.Ctx, annotator, s.ID, []int64{cat.ID + 100})
	requirePrecondition(t, "unknown category", err)

	out, err := env.Engine.RequestReview(env.Ctx, annotator, s.ID, []int64{cat.ID})
	got := requireApplied(t, "request review", out, err)
	if got.Status != domain.StatusWaitingReview || len(got.Categories) != 1 || got.Categories[0].Name != "nodule" {
		t.Fatalf("unexpected study after review request %+v", got)
	}
	sent := env.Notes.Sent()
	if len(sent) != 1 || sent[0].Kind != notify.KindReviewRequested || sent[0].GroupID != env.Project.GroupID {
		t.Fatalf("unexpected notifications %+v", sent)
	}

	// late duplicate
	out, err = env.Engine.RequestReview(env.Ctx, annotator, s.ID, []int64{cat.ID})
	if err != nil || out.Applied {
		t.Fatalf("duplicate should be ignored, got %+v %v", out, err)
	}
	if env.Notes.Count(notify.KindReviewRequested) != 1 {
		t.Fatalf("duplicate must not notify again")
	}

	out, err = env.Engine.ClaimReview(env.Ctx, reviewer, s.ID)
	got = requireApplied(t, "claim review", out, err)
	if got.Status != domain.StatusInReview || got.ReviewerID == nil || *got.ReviewerID != reviewer.ID {
		t.Fatalf("unexpected study after review claim %+v", got)
	}
	_, err = env.Engine.ClaimReview(env.Ctx, reviewer2, s.ID)
	requirePrecondition(t, "second reviewer claim", err)
	_, err = env.Engine.Approve(env.Ctx, reviewer2, s.ID)
	requirePrecondition(t, "approve by other reviewer", err)

	out, err = env.Engine.Approve(env.Ctx, reviewer, s.ID)
	got = requireApplied(t, "approve", out, err)
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	var approved []notify.Notification
	for _, n := range env.Notes.Sent() {
		if n.Kind == notify.KindStudyApproved {
			approved = append(approved, n)
		}
	}
	if len(approved) != 1 || approved[0].RecipientID != annotator.ID || approved[0].StudyID != s.ID {
		t.Fatalf("annotator should be told about the approval once, got %+v", approved)
	}
	copies := env.Store.Copies()
	if len(copies) != 1 || copies[0][0] != "P/b1/2-check/b1/001/version_1" || copies[0][1] != "P/b1/3-research/b1/001" {
		t.Fatalf("unexpected promotion %v", copies)
	}
	if !env.Store.Exists("P/b1/3-research/b1/001/mask.nii.gz") {
		t.Fatalf("promoted file missing")
	}
	out, err = env.Engine.Approve(env.Ctx, reviewer, s.ID)
	if err != nil || out.Applied {
		t.Fatalf("repeat approve should be ignored, got %+v %v", out, err)
	}

	want := []domain.Transition{domain.TransitionClaim, domain.TransitionReviewRequest, domain.TransitionReviewClaim, domain.TransitionApprove}
	got2 := transitions(t, env, s.ID)
	if len(got2) != len(want) {
		t.Fatalf("expected one audit row per transition %v, got %v", want, got2)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("audit row %d: want %s got %s", i, want[i], got2[i])
		}
	}
}

func TestConcurrentReviewRequestsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := claim(t, env, annotator)
	upload(env, s, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.Engine.RequestReview(env.Ctx, annotator, s.ID, nil)
			if err != nil {
				t.Errorf("request review: %v", err)
				return
			}
			if out.Study.Status != domain.StatusWaitingReview {
				t.Errorf("unexpected status %s", out.Study.Status)
			}
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied < 1 {
		t.Fatalf("expected the request to apply")
	}
	if n := env.Notes.Count(notify.KindReviewRequested); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
	count := 0
	for _, tr := range transitions(t, env, s.ID) {
		if tr == domain.TransitionReviewRequest {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one status change, got %d", count)
	}
}

func TestReviewerHoldsOneStudy(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 3)
	first := toReview(t, env, annotator, reviewer)

	s2 := claim(t, env, annotator2)
	upload(env, s2, 1)
	if _, err := env.Engine.RequestReview(env.Ctx, annotator2, s2.ID, nil); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ClaimReview(env.Ctx, reviewer, s2.ID)
	requirePrecondition(t, "busy reviewer", err)

	out, err := env.Engine.Approve(env.Ctx, reviewer, first.ID)
	requireApplied(t, "approve", out, err)
	out, err = env.Engine.ClaimReview(env.Ctx, reviewer, s2.ID)
	requireApplied(t, "claim after approve", out, err)
}

func TestRejectReworkCycle(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := toReview(t, env, annotator, reviewer)
	firstUpload := *s.UploadLink

	_, err := env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{Comment: "   "})
	requirePrecondition(t, "blank comment", err)
	photos := make([]string, engine.MaxRejectPhotos+1)
	_, err = env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{Comment: "fix", PhotoIDs: photos})
	requirePrecondition(t, "too many photos", err)

	out, err := env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{
		Comment: "left lobe missing", PhotoIDs: []string{"ph1", "ph2"}, MessageRef: "chat:42",
	})
	got := requireApplied(t, "reject", out, err)
	if got.Status != domain.StatusWaitingRework || got.RejectCommentID == nil {
		t.Fatalf("unexpected study after reject %+v", got)
	}
	rc, err := env.Engine.RejectComment(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Comment != "left lobe missing" || len(rc.PhotoIDs) != 2 || rc.MessageRef == nil || *rc.MessageRef != "chat:42" {
		t.Fatalf("unexpected review comment %+v", rc)
	}
	if env.Notes.Count(notify.KindReworkRequested) != 1 {
		t.Fatalf("annotator should be notified")
	}

	_, err = env.Engine.PickUpRework(env.Ctx, annotator2, s.ID)
	requirePrecondition(t, "foreign pickup", err)
	out, err = env.Engine.PickUpRework(env.Ctx, annotator, s.ID)
	got = requireApplied(t, "pickup", out, err)
	if got.Status != domain.StatusRework || got.Iteration != 2 {
		t.Fatalf("unexpected study after pickup %+v", got)
	}
	if got.PrevUploadLink == nil || *got.PrevUploadLink != firstUpload || got.UploadLink == nil || *got.UploadLink == firstUpload {
		t.Fatalf("upload links not shifted: %+v", got)
	}
	if !env.Store.Exists(domain.VersionPath(s.Path, 2)) {
		t.Fatalf("version_2 not created")
	}
	out, err = env.Engine.PickUpRework(env.Ctx, annotator, s.ID)
	if err != nil || out.Applied || out.Study.Iteration != 2 {
		t.Fatalf("repeat pickup should be ignored, got %+v %v", out, err)
	}

	_, err = env.Engine.RequestReworkReview(env.Ctx, annotator, s.ID)
	requirePrecondition(t, "empty version_2", err)
	upload(env, s, 2)
	out, err = env.Engine.RequestReworkReview(env.Ctx, annotator, s.ID)
	got = requireApplied(t, "rework review request", out, err)
	if got.Status != domain.StatusWaitingReview {
		t.Fatalf("expected waiting_review, got %s", got.Status)
	}
	var resubmitted []notify.Notification
	for _, n := range env.Notes.Sent() {
		if n.Kind == notify.KindReviewResubmitted {
			resubmitted = append(resubmitted, n)
		}
	}
	if len(resubmitted) != 1 || resubmitted[0].RecipientID != reviewer.ID {
		t.Fatalf("reviewer should be notified once, got %+v", resubmitted)
	}
	out, err = env.Engine.RequestReworkReview(env.Ctx, annotator, s.ID)
	if err != nil || out.Applied {
		t.Fatalf("late rework review request should be ignored, got %+v %v", out, err)
	}

	_, err = env.Engine.ClaimReview(env.Ctx, reviewer, s.ID)
	requirePrecondition(t, "claim of resubmitted study", err)
	_, err = env.Engine.StartReworkReview(env.Ctx, reviewer2, s.ID)
	requirePrecondition(t, "rework review by other reviewer", err)
	out, err = env.Engine.StartReworkReview(env.Ctx, reviewer, s.ID)
	got = requireApplied(t, "rework review start", out, err)
	if got.Status != domain.StatusInReview {
		t.Fatalf("expected in_review, got %s", got.Status)
	}
	out, err = env.Engine.StartReworkReview(env.Ctx, reviewer, s.ID)
	if err != nil || out.Applied {
		t.Fatalf("repeat start should be ignored, got %+v %v", out, err)
	}
}

func TestStartReworkReviewRequiresWaitingReview(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := claim(t, env, annotator)
	_, err := env.Engine.StartReworkReview(env.Ctx, reviewer, s.ID)
	requirePrecondition(t, "start on assigned study", err)
}

func TestIterationLimitReplacesReject(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.IterationLimit = 2
	seedStudies(t, env, "b1", 1)
	s := toReview(t, env, annotator, reviewer)

	_, err := env.Engine.SelfAnnotate(env.Ctx, reviewer, s.ID, engine.SelfReject, "")
	requirePrecondition(t, "self reject below limit", err)

	out, err := env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{Comment: "again"})
	requireApplied(t, "reject", out, err)
	out, err = env.Engine.PickUpRework(env.Ctx, annotator, s.ID)
	requireApplied(t, "pickup", out, err)
	upload(env, s, 2)
	out, err = env.Engine.RequestReworkReview(env.Ctx, annotator, s.ID)
	requireApplied(t, "resubmit", out, err)
	out, err = env.Engine.StartReworkReview(env.Ctx, reviewer, s.ID)
	requireApplied(t, "start", out, err)

	_, err = env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{Comment: "third time"})
	requirePrecondition(t, "reject at limit", err)

	out, err = env.Engine.SelfAnnotate(env.Ctx, reviewer, s.ID, engine.SelfReject, "I will finish this one")
	got := requireApplied(t, "self annotate", out, err)
	if got.Status != domain.StatusInReview || got.Iteration != 3 || got.SelfAnnotation == nil || *got.SelfAnnotation != domain.StatusClosedF {
		t.Fatalf("unexpected study after self annotate %+v", got)
	}
	var started []notify.Notification
	for _, n := range env.Notes.Sent() {
		if n.Kind == notify.KindSelfAnnotationStarted {
			started = append(started, n)
		}
	}
	if len(started) != 1 || started[0].Note != "I will finish this one" || started[0].RecipientID != annotator.ID {
		t.Fatalf("unexpected self annotation notification %+v", started)
	}
	_, err = env.Engine.Approve(env.Ctx, reviewer, s.ID)
	requirePrecondition(t, "approve during self annotation", err)

	_, err = env.Engine.SelfClose(env.Ctx, reviewer, s.ID)
	requirePrecondition(t, "self close with empty folder", err)
	upload(env, s, 3)
	out, err = env.Engine.SelfClose(env.Ctx, reviewer, s.ID)
	got = requireApplied(t, "self close", out, err)
	if got.Status != domain.StatusClosedF || got.SelfAnnotation != nil {
		t.Fatalf("unexpected study after self close %+v", got)
	}
	copies := env.Store.Copies()
	if len(copies) != 1 || copies[0][0] != domain.VersionPath(s.Path, 3) {
		t.Fatalf("expected promotion of version_3, got %v", copies)
	}

	hist, err := env.Engine.History(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := 0
	for _, h := range hist {
		if h.Iteration < last {
			t.Fatalf("iteration decreased in history: %+v", hist)
		}
		last = h.Iteration
		if h.Transition == domain.TransitionSelfAnnotate && (h.From == nil || *h.From != h.To) {
			t.Fatalf("self annotate row should keep the status: %+v", h)
		}
	}
	if last != 3 {
		t.Fatalf("expected final iteration 3, got %d", last)
	}
}

func TestSelfApproveBelowLimit(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := toReview(t, env, annotator, reviewer)
	out, err := env.Engine.SelfAnnotate(env.Ctx, reviewer, s.ID, engine.SelfApprove, "")
	got := requireApplied(t, "self approve", out, err)
	if got.Iteration != 2 || got.PrevUploadLink == nil {
		t.Fatalf("unexpected study %+v", got)
	}
	out, err = env.Engine.SelfAnnotate(env.Ctx, reviewer, s.ID, engine.SelfApprove, "")
	if err != nil || out.Applied || out.Study.Iteration != 2 {
		t.Fatalf("repeat self annotate should be ignored, got %+v %v", out, err)
	}
	upload(env, s, 2)
	out, err = env.Engine.SelfClose(env.Ctx, reviewer, s.ID)
	got = requireApplied(t, "self close", out, err)
	if got.Status != domain.StatusApprovedF {
		t.Fatalf("expected approved_f, got %s", got.Status)
	}
}

func TestReportAndClose(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := claim(t, env, annotator)
	_, err := env.Engine.Report(env.Ctx, annotator, s.ID, domain.Reason("x"))
	requirePrecondition(t, "bad reason", err)
	out, err := env.Engine.Report(env.Ctx, annotator, s.ID, domain.ReasonI)
	got := requireApplied(t, "report", out, err)
	if got.Status != domain.StatusPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %s", got.Status)
	}
	if env.Notes.Count(notify.KindStudyReported) != 1 {
		t.Fatalf("review channel should be notified")
	}
	out, err = env.Engine.ClaimReview(env.Ctx, reviewer, s.ID)
	requireApplied(t, "claim reported study", out, err)
	out, err = env.Engine.Close(env.Ctx, reviewer, s.ID, domain.ReasonI)
	got = requireApplied(t, "close", out, err)
	if got.Status != domain.StatusClosedI {
		t.Fatalf("expected closed_i, got %s", got.Status)
	}
	if len(env.Store.Copies()) != 0 {
		t.Fatalf("close must not promote")
	}
	var closed []notify.Notification
	for _, n := range env.Notes.Sent() {
		if n.Kind == notify.KindStudyClosed {
			closed = append(closed, n)
		}
	}
	if len(closed) != 1 || closed[0].RecipientID != annotator.ID || closed[0].Reason != "i" {
		t.Fatalf("annotator should be told about the close, got %+v", closed)
	}
	hist, err := env.Engine.History(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 4 || hist[1].Payload["reason"] != "i" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

// reclaimingStore hands the study to another annotator while the first emptiness check runs.
type reclaimingStore struct {
	*storage.Memory
	once   sync.Once
	reclaim func()
}

func (r *reclaimingStore) IsDirectoryEmpty(ctx context.Context, p string) (bool, error) {
	r.once.Do(r.reclaim)
	return r.Memory.IsDirectoryEmpty(ctx, p)
}

func reclaimDuringCheck(t *testing.T, env testEnv, studyID int64) engine.Engine {
	t.Helper()
	eng := env.Engine
	eng.Storage = &reclaimingStore{Memory: env.Store, reclaim: func() {
		if _, err := env.Engine.Reset(env.Ctx, admin, studyID); err != nil {
			t.Errorf("reset: %v", err)
			return
		}
		s, err := env.Engine.ClaimNext(env.Ctx, annotator2, env.Project.ID)
		if err != nil || s == nil || s.ID != studyID {
			t.Errorf("reclaim by %d: %+v %v", annotator2.ID, s, err)
		}
	}}
	return eng
}

func requireOwnedBy(t *testing.T, env testEnv, studyID int64, want auth.Actor) {
	t.Helper()
	s, err := env.Engine.Study(env.Ctx, studyID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StatusAssigned || !sameOwner(s.AnnotatorID, want.ID) {
		t.Fatalf("study should stay assigned to %d, got status=%s annotator=%v", want.ID, s.Status, s.AnnotatorID)
	}
}

func sameOwner(p *int64, id int64) bool { return p != nil && *p == id }

func TestReviewRequestAfterReclaimIsRefused(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := claim(t, env, annotator)
	upload(env, s, 1)

	eng := reclaimDuringCheck(t, env, s.ID)
	out, err := eng.RequestReview(env.Ctx, annotator, s.ID, nil)
	if err == nil && out.Applied {
		t.Fatalf("previous annotator submitted a study now owned by %d", annotator2.ID)
	}
	requireOwnedBy(t, env, s.ID, annotator2)
	if env.Notes.Count(notify.KindReviewRequested) != 0 {
		t.Fatalf("refused request must not notify")
	}
}

func TestReworkReviewRequestAfterReclaimIsRefused(t *testing.T) {
	env := newTestEnv(t)
	seedStudies(t, env, "b1", 1)
	s := toReview(t, env, annotator, reviewer)
	if _, err := env.Engine.Reject(env.Ctx, reviewer, s.ID, engine.RejectInput{Comment: "redo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PickUpRework(env.Ctx, annotator, s.ID); err != nil {
		t.Fatal(err)
	}
	upload(env, s, 2)

	eng := reclaimDuringCheck(t, env, s.ID)
	out, err := eng.RequestReworkReview(env.Ctx, annotator, s.ID)
	if err == nil && out.Applied {
		t.Fatalf("previous annotator resubmitted a study now owned by %d", annotator2.ID)
	}
	requireOwnedBy(t, env, s.ID, annotator2)
	if env.Notes.Count(notify.KindReviewResubmitted) != 0 {
		t.Fatalf("refused request must not notify")
	}
}
