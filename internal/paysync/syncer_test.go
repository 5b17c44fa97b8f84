package paysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/visagepay/visage-go/internal/notify"
	"github.com/visagepay/visage-go/pkg/paysdk"
)

// fakeAPI serves whatever the test staged and records approve calls.
type fakeAPI struct {
	mu         sync.Mutex
	requests   []paysdk.PaymentRequest
	rules      []paysdk.AutoPayRule
	listErr    error
	rulesErr   error
	listCalls  int
	approved   []string
	approveErr error

	requestsGate chan struct{} // when set, ListPaymentRequests blocks on it
}

func (f *fakeAPI) ListPaymentRequests(_ context.Context) ([]paysdk.PaymentRequest, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.requestsGate
	reqs, err := append([]paysdk.PaymentRequest(nil), f.requests...), f.listErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return reqs, err
}

func (f *fakeAPI) ListAutoPayRules(_ context.Context) ([]paysdk.AutoPayRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]paysdk.AutoPayRule(nil), f.rules...), f.rulesErr
}

func (f *fakeAPI) ApprovePaymentRequest(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, requestID)
	return f.approveErr
}

func (f *fakeAPI) serve(requests []paysdk.PaymentRequest, rules []paysdk.AutoPayRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = requests
	f.rules = rules
	f.listErr = nil
	f.rulesErr = nil
}

func (f *fakeAPI) approvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.approved...)
}

// recordingDispatcher captures every notification in order.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return d.err
}

func (d *recordingDispatcher) all() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.sent...)
}

func (d *recordingDispatcher) ofType(typ string) []notify.Notification {
	var out []notify.Notification
	for _, n := range d.all() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func pending(id, merchant string, amount int64) paysdk.PaymentRequest {
	return paysdk.PaymentRequest{
		ID:           id,
		Status:       paysdk.StatusPending,
		MerchantID:   "m-" + id,
		MerchantName: merchant,
		Amount:       amount,
	}
}

func withStatus(req paysdk.PaymentRequest, status paysdk.RequestStatus) paysdk.PaymentRequest {
	req.Status = status
	return req
}

func newTestSyncer(t *testing.T, api *fakeAPI, dispatcher *recordingDispatcher, onUpdate func()) *Syncer {
	t.Helper()
	return New(Config{
		API:        api,
		Dispatcher: dispatcher,
		OnUpdate:   onUpdate,
	})
}

func TestRequestLifecycleReportedExactlyOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	var updates int
	s := newTestSyncer(t, api, dispatcher, func() { updates++ })

	r1 := pending("r1", "Acme", 1000)

	// Poll 1: R1 appears pending with no matching rule.
	api.serve([]paysdk.PaymentRequest{r1}, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	manual := dispatcher.ofType(notify.TypePaymentRequest)
	require.Len(t, manual, 1)
	require.Equal(t, "r1", manual[0].PaymentID)
	require.Equal(t, "Acme", manual[0].MerchantName)
	require.Equal(t, int64(1000), manual[0].Amount)
	require.Equal(t, 1, updates)

	// Poll 2: R1 resolved as approved.
	api.serve([]paysdk.PaymentRequest{withStatus(r1, paysdk.StatusApproved)}, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	resolved := dispatcher.ofType(notify.TypeRequestResolved)
	require.Len(t, resolved, 1)
	require.Equal(t, "r1", resolved[0].PaymentID)
	require.Equal(t, notify.ReasonCompleted, resolved[0].Reason)
	require.Equal(t, 2, updates)

	// Poll 3: R1 may linger in the recent window or vanish; either way it
	// must produce no further events.
	api.serve([]paysdk.PaymentRequest{withStatus(r1, paysdk.StatusApproved)}, nil)
	require.NoError(t, s.PollOnce(context.Background()))
	api.serve(nil, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Len(t, dispatcher.all(), 2, "each transition fires exactly once")
	require.Equal(t, 2, updates, "no update callback when the pending set is unchanged")
}

func TestAutoPayApprovesMatchingRequest(t *testing.T) {
	t.Parallel()

	maxAmount := int64(5000)
	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	api.serve(
		[]paysdk.PaymentRequest{pending("r1", "Acme Coffee", 1200)},
		[]paysdk.AutoPayRule{{
			MerchantID:      "m-r1",
			MerchantName:    "ACME COFFEE", // match is case-insensitive
			Enabled:         true,
			MaxAmount:       &maxAmount,
			PaymentMethodID: "pm-1",
		}},
	)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Equal(t, []string{"r1"}, api.approvedIDs())
	require.Len(t, dispatcher.ofType(notify.TypeAutoProcessed), 1)
	require.Empty(t, dispatcher.ofType(notify.TypePaymentRequest), "auto-approved requests never get a manual notification")
}

func TestAutoPayRuleWithoutMaxAmountNeverMatches(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	api.serve(
		[]paysdk.PaymentRequest{pending("r1", "Acme", 100)},
		[]paysdk.AutoPayRule{{MerchantName: "Acme", Enabled: true, MaxAmount: nil}},
	)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Empty(t, api.approvedIDs())
	require.Len(t, dispatcher.ofType(notify.TypePaymentRequest), 1)
}

func TestAutoPaySkipsDisabledAndOverBudgetRules(t *testing.T) {
	t.Parallel()

	small := int64(500)
	large := int64(10000)
	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	api.serve(
		[]paysdk.PaymentRequest{pending("r1", "Acme", 1200)},
		[]paysdk.AutoPayRule{
			{MerchantName: "Acme", Enabled: true, MaxAmount: &small},  // over budget
			{MerchantName: "Acme", Enabled: false, MaxAmount: &large}, // disabled
			{MerchantName: "Other", Enabled: true, MaxAmount: &large}, // wrong merchant
		},
	)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Empty(t, api.approvedIDs())
	require.Len(t, dispatcher.ofType(notify.TypePaymentRequest), 1)
}

func TestAutoPayMatchPrefersBusinessName(t *testing.T) {
	t.Parallel()

	maxAmount := int64(5000)
	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	req := pending("r1", "ACME PTY LTD 4821", 1200)
	req.BusinessName = "Acme Coffee"
	api.serve(
		[]paysdk.PaymentRequest{req},
		[]paysdk.AutoPayRule{{
			MerchantName: "acme coffee",
			Enabled:      true,
			MaxAmount:    &maxAmount,
		}},
	)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Equal(t, []string{"r1"}, api.approvedIDs())
	auto := dispatcher.ofType(notify.TypeAutoProcessed)
	require.Len(t, auto, 1)
	require.Equal(t, "Acme Coffee", auto[0].MerchantName)
}

func TestApproveFailureFallsBackToManualNotification(t *testing.T) {
	t.Parallel()

	maxAmount := int64(5000)
	api := &fakeAPI{approveErr: errors.New("backend unavailable")}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	api.serve(
		[]paysdk.PaymentRequest{pending("r1", "Acme", 1200)},
		[]paysdk.AutoPayRule{{MerchantName: "Acme", Enabled: true, MaxAmount: &maxAmount}},
	)
	require.NoError(t, s.PollOnce(context.Background()))

	require.Equal(t, []string{"r1"}, api.approvedIDs(), "approve was attempted")
	require.Empty(t, dispatcher.ofType(notify.TypeAutoProcessed))
	require.Len(t, dispatcher.ofType(notify.TypePaymentRequest), 1, "the request must not be dropped")
}

func TestResolvedReasonDistinguishesUserAction(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	r1 := pending("r1", "Acme", 100)
	r2 := pending("r2", "Globex", 200)
	api.serve([]paysdk.PaymentRequest{r1, r2}, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	api.serve([]paysdk.PaymentRequest{
		withStatus(r1, paysdk.StatusDeclined),
		withStatus(r2, paysdk.StatusExpired),
	}, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	resolved := dispatcher.ofType(notify.TypeRequestResolved)
	require.Len(t, resolved, 2)
	reasons := map[string]string{}
	for _, n := range resolved {
		reasons[n.PaymentID] = n.Reason
	}
	require.Equal(t, notify.ReasonCompleted, reasons["r1"], "a decline is a user-caused outcome")
	require.Equal(t, notify.ReasonCancelled, reasons["r2"], "an expiry happened without the user")
}

func TestFailedCycleLeavesSnapshotUntouched(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	r1 := pending("r1", "Acme", 100)
	api.serve([]paysdk.PaymentRequest{r1}, nil)
	require.NoError(t, s.PollOnce(context.Background()))
	require.Len(t, dispatcher.all(), 1)

	// A fetch failure must not lose the r1 -> approved transition.
	api.mu.Lock()
	api.listErr = errors.New("network down")
	api.mu.Unlock()
	require.Error(t, s.PollOnce(context.Background()))
	require.Len(t, dispatcher.all(), 1, "a failed cycle dispatches nothing")

	api.serve([]paysdk.PaymentRequest{withStatus(r1, paysdk.StatusApproved)}, nil)
	require.NoError(t, s.PollOnce(context.Background()))

	resolved := dispatcher.ofType(notify.TypeRequestResolved)
	require.Len(t, resolved, 1)
	require.Equal(t, "r1", resolved[0].PaymentID)
}

func TestOverlappingPollsAreRejected(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	api := &fakeAPI{requestsGate: gate}
	dispatcher := &recordingDispatcher{}
	s := newTestSyncer(t, api, dispatcher, nil)

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.PollOnce(context.Background()) }()

	// Wait for the first cycle to take the lock, then try to overlap it.
	require.Eventually(t, func() bool {
		return errors.Is(s.PollOnce(context.Background()), ErrPollInProgress)
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-firstDone)
}

func TestPauseSkipsScheduledCyclesAndResumePollsImmediately(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	dispatcher := &recordingDispatcher{}
	var (
		mu      sync.Mutex
		updates int
	)
	s := New(Config{
		API:        api,
		Dispatcher: dispatcher,
		Interval:   10 * time.Millisecond,
		OnUpdate: func() {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})

	s.Pause()
	go s.Run(context.Background())
	defer s.Close()

	api.serve([]paysdk.PaymentRequest{pending("r1", "Acme", 100)}, nil)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 0, updates, "paused loop must not poll")
	mu.Unlock()

	s.Resume()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates == 1
	}, 2*time.Second, 5*time.Millisecond, "resume triggers an immediate cycle")
}

func TestCloseStopsTheLoop(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	s := New(Config{
		API:        api,
		Dispatcher: &recordingDispatcher{},
		Interval:   5 * time.Millisecond,
	})

	go s.Run(context.Background())
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.listCalls > 0
	}, 2*time.Second, time.Millisecond)

	s.Close()
	api.mu.Lock()
	after := api.listCalls
	api.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, after, api.listCalls, "no cycle may run after Close")
}
