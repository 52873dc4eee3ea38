package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"authority-tree/ceremony"
	"authority-tree/handlers"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/oplog"
	"authority-tree/peer"
	"authority-tree/recovery"
	"authority-tree/repository"
	"authority-tree/routers"
	"authority-tree/snapshot"
	"authority-tree/testutil"
	"authority-tree/threshold"
	"authority-tree/tree"
)

type mockRepo struct {
	mu        sync.Mutex
	ops       map[models.Hash32]models.AttestedOp
	snapshots []models.Snapshot
}

func newMockRepo() *mockRepo {
	return &mockRepo{ops: make(map[models.Hash32]models.AttestedOp)}
}

func (m *mockRepo) PutOp(h models.Hash32, op models.AttestedOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[h] = op
	return nil
}

func (m *mockRepo) GetOp(h models.Hash32) (*models.AttestedOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[h]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return &op, nil
}

func (m *mockRepo) DeleteOp(h models.Hash32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, h)
	return nil
}

func (m *mockRepo) GetAllOps() ([]models.AttestedOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]models.AttestedOp, 0, len(m.ops))
	for _, op := range m.ops {
		res = append(res, op)
	}
	return res, nil
}

func (m *mockRepo) PutSnapshot(s *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *s)
	return nil
}

func (m *mockRepo) GetLatestSnapshot() (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	s := m.snapshots[len(m.snapshots)-1]
	return &s, nil
}

func (m *mockRepo) counts() (ops, snapshots int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops), len(m.snapshots)
}

type server struct {
	router  *mux.Router
	handler *handlers.Handler
	log     *oplog.OpLog
	repo    *mockRepo
	k       *testutil.Keyring
	s0      *tree.State
}

// testServer runs a replica whose local signer is device A
func testServer(t *testing.T) server {
	t.Helper()
	logger.Logger = zap.NewNop()

	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))
	mockRepo := newMockRepo()
	var repoInterface repository.OpRepositoryInterface = mockRepo
	log := oplog.New(s0, k.Scheme, repoInterface)
	coord := ceremony.NewCoordinator(log, k.Scheme, 5*time.Second)
	snaps := snapshot.NewManager(log, k.Scheme, snapshot.Config{HighWaterMark: 2, ApprovalTimeout: 5 * time.Second})
	share := k.Share(testutil.DeviceA)

	handler := handlers.NewHandler(log, coord, snaps, recovery.New(coord, log, nil), &share)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return server{router: router, handler: handler, log: log, repo: mockRepo, k: k, s0: s0}
}

func (s server) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(bodyJSON))
	}
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), v); err != nil {
		t.Fatalf("Invalid JSON response: %v, body: %s", err, res.Body.String())
	}
}

func TestSubmitOp_SuccessAndDuplicate(t *testing.T) {
	srv := testServer(t)
	op := srv.k.Sign(t, srv.s0, models.NewAddLeaf(srv.k.Leaf(4, models.RoleDevice), models.RootNode))

	res := srv.do(t, http.MethodPost, "/ops", op)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}
	if len(srv.repo.ops) != 1 {
		t.Fatalf("expected op stored, repo holds %d", len(srv.repo.ops))
	}

	res = srv.do(t, http.MethodPost, "/ops", op)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate 409, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitOp_Rejected(t *testing.T) {
	srv := testServer(t)
	op := srv.k.Sign(t, srv.s0, models.NewRecoveryInitiate(0, testutil.MinCooldown), testutil.Guardian1)

	res := srv.do(t, http.MethodPost, "/ops", op)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}

	res = srv.do(t, http.MethodPost, "/ops", map[string]string{"op": "nope"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage, got %d", res.Code)
	}
	if len(srv.repo.ops) != 0 {
		t.Fatalf("rejected op stored")
	}
}

func TestMergeDigestAndMissing(t *testing.T) {
	srv := testServer(t)
	a, s1 := srv.k.Apply(t, srv.s0, models.NewRotateEpoch())
	b := srv.k.Sign(t, s1, models.NewRotateEpoch())

	res := srv.do(t, http.MethodPost, "/sync/merge", []models.AttestedOp{b, a})
	if res.Code != http.StatusOK {
		t.Fatalf("merge: %d %s", res.Code, res.Body.String())
	}
	var merged struct {
		Accepted []models.Hash32          `json:"accepted"`
		Rejected map[models.Hash32]string `json:"rejected"`
	}
	decodeBody(t, res, &merged)
	if len(merged.Accepted) != 2 || len(merged.Rejected) != 0 {
		t.Fatalf("accepted %d rejected %v", len(merged.Accepted), merged.Rejected)
	}

	var digest struct {
		Digest models.Hash32   `json:"digest"`
		Count  int             `json:"count"`
		Hashes []models.Hash32 `json:"hashes"`
	}
	decodeBody(t, srv.do(t, http.MethodGet, "/sync/digest", nil), &digest)
	if digest.Count != 2 || digest.Digest.IsZero() {
		t.Fatalf("digest %+v", digest)
	}

	unknown := models.Hash32{1}
	var missing struct {
		Missing []models.Hash32 `json:"missing"`
	}
	decodeBody(t, srv.do(t, http.MethodPost, "/sync/missing",
		map[string]interface{}{"hashes": append(digest.Hashes, unknown)}), &missing)
	if len(missing.Missing) != 1 || missing.Missing[0] != unknown {
		t.Fatalf("missing %v", missing.Missing)
	}

	res = srv.do(t, http.MethodGet, "/sync/validate", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("validate: %d %s", res.Code, res.Body.String())
	}
	res = srv.do(t, http.MethodGet, "/ops/"+digest.Hashes[0].String(), nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get op: %d", res.Code)
	}
}

func TestCeremonyOverHTTP(t *testing.T) {
	srv := testServer(t)

	res := srv.do(t, http.MethodPost, "/ceremonies", models.NewRotateEpoch())
	if res.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", res.Code, res.Body.String())
	}
	var p ceremony.Proposal
	decodeBody(t, res, &p)

	if res := srv.do(t, http.MethodPost, "/ceremonies/"+p.ID.String()+"/sign", nil); res.Code != http.StatusAccepted {
		t.Fatalf("sign: %d %s", res.Code, res.Body.String())
	}
	res = srv.do(t, http.MethodPost, "/ceremonies/"+p.ID.String()+"/aggregate", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("aggregate: %d %s", res.Code, res.Body.String())
	}

	var state tree.Image
	decodeBody(t, srv.do(t, http.MethodGet, "/state", nil), &state)
	if state.Epoch != 1 {
		t.Fatalf("epoch %d after ceremony", state.Epoch)
	}

	res = srv.do(t, http.MethodPost, "/ceremonies/"+p.ID.String()+"/partials", threshold.Partial{Signer: 2})
	if res.Code != http.StatusConflict {
		t.Fatalf("partial after finalize: %d %s", res.Code, res.Body.String())
	}
	res = srv.do(t, http.MethodGet, "/ceremonies/not-a-uuid", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", res.Code)
	}
}

func TestSnapshotOverHTTP(t *testing.T) {
	srv := testServer(t)
	if res := srv.do(t, http.MethodGet, "/snapshots/latest", nil); res.Code != http.StatusNotFound {
		t.Fatalf("latest before any snapshot: %d", res.Code)
	}
	if res := srv.do(t, http.MethodPost, "/snapshots", nil); res.Code != http.StatusConflict {
		t.Fatalf("propose below high-water mark: %d", res.Code)
	}

	a, s1 := srv.k.Apply(t, srv.s0, models.NewRotateEpoch())
	b := srv.k.Sign(t, s1, models.NewRotateEpoch())
	srv.do(t, http.MethodPost, "/sync/merge", []models.AttestedOp{a, b})

	res := srv.do(t, http.MethodPost, "/snapshots", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", res.Code, res.Body.String())
	}
	var p snapshot.Proposal
	decodeBody(t, res, &p)
	if p.Cut != 2 {
		t.Fatalf("cut %d", p.Cut)
	}

	res = srv.do(t, http.MethodPost, "/snapshots/vote", p)
	if res.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", res.Code, res.Body.String())
	}
	var vote threshold.Partial
	decodeBody(t, res, &vote)

	if res := srv.do(t, http.MethodPost, "/snapshots/"+p.ID.String()+"/approvals", vote); res.Code != http.StatusAccepted {
		t.Fatalf("approve: %d %s", res.Code, res.Body.String())
	}
	if res := srv.do(t, http.MethodPost, "/snapshots/"+p.ID.String()+"/commit", nil); res.Code != http.StatusCreated {
		t.Fatalf("commit: %d %s", res.Code, res.Body.String())
	}
	if res := srv.do(t, http.MethodGet, "/snapshots/latest", nil); res.Code != http.StatusOK {
		t.Fatalf("latest: %d", res.Code)
	}
	if len(srv.repo.snapshots) != 1 || len(srv.repo.ops) != 0 {
		t.Fatalf("repo holds %d snapshots and %d ops", len(srv.repo.snapshots), len(srv.repo.ops))
	}
}

func TestRecoveryOverHTTP(t *testing.T) {
	srv := testServer(t)
	res := srv.do(t, http.MethodPost, "/recovery", map[string]uint64{"cooldown_seconds": 60})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("short cooldown: %d %s", res.Code, res.Body.String())
	}
	res = srv.do(t, http.MethodPost, "/recovery", map[string]uint64{"cooldown_seconds": testutil.MinCooldown})
	if res.Code != http.StatusCreated {
		t.Fatalf("initiate: %d %s", res.Code, res.Body.String())
	}
	unknown := models.Hash32{7}
	res = srv.do(t, http.MethodPost, "/recovery/"+unknown.String()+"/cancel", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d %s", res.Code, res.Body.String())
	}
	var pending []json.RawMessage
	decodeBody(t, srv.do(t, http.MethodGet, "/recovery", nil), &pending)
	if len(pending) != 0 {
		t.Fatalf("recovery open before its ceremony finalized")
	}
}

// commitSnapshot takes s from its log to a committed snapshot at the
// current canonical epoch
func (s server) commitSnapshot(t *testing.T) models.Snapshot {
	t.Helper()
	res := s.do(t, http.MethodPost, "/snapshots", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", res.Code, res.Body.String())
	}
	var p snapshot.Proposal
	decodeBody(t, res, &p)
	res = s.do(t, http.MethodPost, "/snapshots/vote", p)
	if res.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", res.Code, res.Body.String())
	}
	var vote threshold.Partial
	decodeBody(t, res, &vote)
	if res := s.do(t, http.MethodPost, "/snapshots/"+p.ID.String()+"/approvals", vote); res.Code != http.StatusAccepted {
		t.Fatalf("approve: %d %s", res.Code, res.Body.String())
	}
	res = s.do(t, http.MethodPost, "/snapshots/"+p.ID.String()+"/commit", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("commit: %d %s", res.Code, res.Body.String())
	}
	var snap models.Snapshot
	decodeBody(t, res, &snap)
	return snap
}

func TestCommittedSnapshotReachesPeers(t *testing.T) {
	leader := testServer(t)
	follower := testServer(t)
	a, s1 := leader.k.Apply(t, leader.s0, models.NewRotateEpoch())
	b := leader.k.Sign(t, s1, models.NewRotateEpoch())
	for _, srv := range []server{leader, follower} {
		if res := srv.do(t, http.MethodPost, "/sync/merge", []models.AttestedOp{a, b}); res.Code != http.StatusOK {
			t.Fatalf("merge: %d %s", res.Code, res.Body.String())
		}
	}

	remote := httptest.NewServer(follower.router)
	defer remote.Close()
	client, err := peer.NewClient(remote.URL, remote.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	leader.handler.Peers = []*peer.Client{client}

	snap := leader.commitSnapshot(t)
	if got := follower.log.Snapshot(); got == nil || got.CutEpoch != 2 {
		t.Fatalf("follower snapshot %v, want cut 2", got)
	}
	if ops, snaps := follower.repo.counts(); snaps != 1 || ops != 0 {
		t.Fatalf("follower repo holds %d snapshots and %d ops", snaps, ops)
	}

	if res := follower.do(t, http.MethodPost, "/snapshots/committed", snap); res.Code != http.StatusConflict {
		t.Fatalf("same snapshot twice: %d %s", res.Code, res.Body.String())
	}

	empty := testServer(t)
	if res := empty.do(t, http.MethodPost, "/snapshots/committed", snap); res.Code != http.StatusConflict {
		t.Fatalf("replica without the history: %d %s", res.Code, res.Body.String())
	}
	forged := snap
	forged.SignerCount = 2
	if res := empty.do(t, http.MethodPost, "/snapshots/committed", forged); res.Code != http.StatusBadRequest {
		t.Fatalf("forged signer count: %d %s", res.Code, res.Body.String())
	}
	if empty.log.Snapshot() != nil {
		t.Fatalf("refused snapshot applied")
	}
}

func TestBootstrapFromPeer(t *testing.T) {
	source := testServer(t)
	a, s1 := source.k.Apply(t, source.s0, models.NewRotateEpoch())
	b, s2 := source.k.Apply(t, s1, models.NewRotateEpoch())
	c := source.k.Sign(t, s2, models.NewAddLeaf(source.k.Leaf(4, models.RoleDevice), models.RootNode))
	source.do(t, http.MethodPost, "/sync/merge", []models.AttestedOp{a, b})

	remote := httptest.NewServer(source.router)
	defer remote.Close()
	client, err := peer.NewClient(remote.URL, remote.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	// no snapshot yet: replay from genesis
	log, res, err := peer.Bootstrap(context.Background(), client, source.s0, source.k.Scheme, newMockRepo())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(res.Accepted) != 2 || log.Snapshot() != nil {
		t.Fatalf("replay accepted %d, snapshot %v", len(res.Accepted), log.Snapshot())
	}

	source.commitSnapshot(t)
	if res := source.do(t, http.MethodPost, "/ops", c); res.Code != http.StatusCreated {
		t.Fatalf("op above the cut: %d %s", res.Code, res.Body.String())
	}

	repo := newMockRepo()
	log, res, err = peer.Bootstrap(context.Background(), client, source.s0, source.k.Scheme, repo)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if log.Snapshot() == nil || log.Snapshot().CutEpoch != 2 || len(res.Accepted) != 1 {
		t.Fatalf("bootstrapped cut %v accepted %d", log.Snapshot(), len(res.Accepted))
	}
	got, _ := log.State()
	want, _ := source.log.State()
	if got.Key() != want.Key() {
		t.Fatalf("bootstrapped %s, source %s", got.Key(), want.Key())
	}
	if len(repo.snapshots) != 1 || len(repo.ops) != 1 {
		t.Fatalf("bootstrap persisted %d snapshots and %d ops", len(repo.snapshots), len(repo.ops))
	}
}
