package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/autolib/services/lending/docs"
	"github.com/autolib/services/lending/internal/borrow"
	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/db/dbtest"
	"github.com/autolib/services/lending/internal/events"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/autolib/services/lending/internal/session"
	"github.com/autolib/services/lending/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var (
	now    = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	pickup = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	alice  = session.User{ID: "user-alice", Email: "alice@example.com"}
	bob    = session.User{ID: "user-bob", Email: "bob@example.com"}
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type testEnv struct {
	server *Server
	hub    *notify.Hub
	clock  *clock
	book   *db.Book
	other  *db.Book
	l1, l2 *db.Locker
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	database := dbtest.Open(t)
	log := logger.NewLogger("test", "error", "json")
	ctx := context.Background()

	books := repo.NewBookRepository(database, log)
	lockers := repo.NewLockerRepository(database, log)
	txs := repo.NewTransactionRepository(database, log)
	ratings := repo.NewRatingRepository(database, log)

	env := &testEnv{clock: &clock{t: now}}

	env.book = &db.Book{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441013593",
		Categories: []string{"Science Fiction"}, TotalQuantity: 3, AvailableQuantity: 3}
	env.other = &db.Book{Title: "Emma", Author: "Jane Austen", Categories: []string{"Classics"}, TotalQuantity: 1, AvailableQuantity: 1}
	require.NoError(t, books.CreateBook(ctx, env.book))
	require.NoError(t, books.CreateBook(ctx, env.other))

	env.l1 = &db.Locker{Code: "L1", Name: "Main hall"}
	env.l2 = &db.Locker{Code: "L2", Name: "Side entrance"}
	require.NoError(t, lockers.CreateLocker(ctx, env.l1))
	require.NoError(t, lockers.CreateLocker(ctx, env.l2))

	m := metrics.New(prometheus.NewRegistry())
	env.hub = notify.NewHub(nil, log)
	t.Cleanup(env.hub.Close)

	svc := borrow.NewService(database, books, lockers, txs, events.Discard{Log: log}, log,
		borrow.WithClock(env.clock.Now),
		borrow.WithNotifier(env.hub),
		borrow.WithMetrics(m),
	)

	env.server = NewServer(Deps{
		Catalog:  books,
		Ratings:  ratings,
		History:  txs,
		Borrow:   svc,
		Verifier: session.NewVerifier(testSecret, ""),
		Hub:      env.hub,
		Metrics:  m,
		Log:      log,
	})
	return env
}

func token(t *testing.T, u session.User) string {
	t.Helper()
	tok, err := session.Issue(testSecret, "", u, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, s *Server, method, path string, body any, user *session.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *user))
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (e *testEnv) borrowBody() map[string]any {
	return map[string]any{
		"book_id":               e.book.ID,
		"pickup_locker_id":      e.l1.ID,
		"return_locker_id":      e.l2.ID,
		"scheduled_pickup_time": pickup.Format(time.RFC3339),
		"scheduled_return_time": pickup.Add(14 * 24 * time.Hour).Format(time.RFC3339),
	}
}

type txResp struct {
	Data db.Transaction `json:"data"`
}

func TestBookEndpoints(t *testing.T) {
	env := setupServer(t)
	s := env.server

	w := doJSON(t, s, http.MethodGet, "/api/v1/books?query=herbert&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list listBooksResp
	decode(t, w, &list)
	require.Len(t, list.Books, 1)
	assert.Equal(t, "Dune", list.Books[0].Title)
	assert.Equal(t, int64(1), list.Pagination.Total)
	assert.Equal(t, int64(1), list.Pagination.TotalPages)
	assert.Equal(t, 5, list.Pagination.Limit)

	w = doJSON(t, s, http.MethodGet, "/api/v1/books?category=Classics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	require.Len(t, list.Books, 1)
	assert.Equal(t, "Emma", list.Books[0].Title)

	w = doJSON(t, s, http.MethodGet, "/api/v1/books/categories", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cats map[string][]string
	decode(t, w, &cats)
	assert.Equal(t, []string{"Classics", "Science Fiction"}, cats["categories"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/books/"+env.book.ID+"/quantity", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var qty map[string]any
	decode(t, w, &qty)
	assert.Equal(t, float64(3), qty["available_quantity"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/books/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBorrowRequiresToken(t *testing.T) {
	env := setupServer(t)

	w := doJSON(t, env.server, http.MethodPost, "/api/v1/transactions/borrow", env.borrowBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/active", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBorrowFlow(t *testing.T) {
	env := setupServer(t)
	s := env.server

	w := doJSON(t, s, http.MethodPost, "/api/v1/transactions/borrow", env.borrowBody(), &alice)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created txResp
	decode(t, w, &created)
	assert.Equal(t, db.StatusActive, created.Data.Status)
	id := created.Data.ID

	w = doJSON(t, s, http.MethodGet, "/api/v1/books/"+env.book.ID+"/quantity", nil, nil)
	var qty map[string]any
	decode(t, w, &qty)
	assert.Equal(t, float64(2), qty["available_quantity"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/lockers/available?time="+pickup.Format(time.RFC3339), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail map[string][]db.Locker
	decode(t, w, &avail)
	require.Len(t, avail["lockers"], 1)
	assert.Equal(t, "L2", avail["lockers"][0].Code)

	// same pickup slot for another member
	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/borrow", env.borrowBody(), &bob)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not available")

	w = doJSON(t, s, http.MethodGet, "/api/v1/transactions/"+id, nil, &bob)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/"+id+"/pickup", nil, &alice)
	assert.Equal(t, http.StatusConflict, w.Code, "pickup window not open yet")

	w = doJSON(t, s, http.MethodGet, "/api/v1/transactions/active", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	var buckets map[string][]db.Transaction
	decode(t, w, &buckets)
	require.Len(t, buckets["active_pickup"], 1)
	assert.Equal(t, id, buckets["active_pickup"][0].ID)
	assert.Empty(t, buckets["waiting"])

	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/"+id+"/cancel", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/transactions/history", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	var history map[string][]borrow.HistoryEntry
	decode(t, w, &history)
	require.Len(t, history["transactions"], 1)
	assert.Equal(t, "Canceled", history["transactions"][0].StatusLabel)
	require.NotNil(t, history["transactions"][0].PickupLocker)
	assert.Equal(t, "L1", history["transactions"][0].PickupLocker.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/books/"+env.book.ID+"/quantity", nil, nil)
	decode(t, w, &qty)
	assert.Equal(t, float64(3), qty["available_quantity"])
}

func TestBorrowValidation(t *testing.T) {
	env := setupServer(t)

	body := env.borrowBody()
	delete(body, "pickup_locker_id")
	w := doJSON(t, env.server, http.MethodPost, "/api/v1/transactions/borrow", body, &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "pickup_locker_id")

	body = env.borrowBody()
	body["scheduled_return_time"] = pickup.Add(2 * time.Hour).Format(time.RFC3339)
	w = doJSON(t, env.server, http.MethodPost, "/api/v1/transactions/borrow", body, &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.server, http.MethodPost, "/api/v1/transactions/borrow", "not an object", &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAvailableLockersNeedsTime(t *testing.T) {
	env := setupServer(t)

	w := doJSON(t, env.server, http.MethodGet, "/api/v1/lockers/available", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.server, http.MethodGet, "/api/v1/lockers/available?time=tomorrow", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBorrowDefaults(t *testing.T) {
	env := setupServer(t)

	w := doJSON(t, env.server, http.MethodGet, "/api/v1/borrow/defaults?pickup="+pickup.Format(time.RFC3339), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var d borrow.Defaults
	decode(t, w, &d)
	assert.True(t, pickup.Add(14*24*time.Hour).Equal(d.ReturnTime))
	assert.True(t, pickup.Add(3*time.Hour).Equal(d.MinReturnTime))
}

func TestRatingRequiresReturnedBorrow(t *testing.T) {
	env := setupServer(t)
	s := env.server
	ratePath := "/api/v1/books/" + env.book.ID + "/rating"

	w := doJSON(t, s, http.MethodPost, ratePath, map[string]int{"score": 5}, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/borrow", env.borrowBody(), &alice)
	require.Equal(t, http.StatusCreated, w.Code)
	var created txResp
	decode(t, w, &created)
	id := created.Data.ID

	env.clock.Set(pickup.Add(30 * time.Minute))
	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/"+id+"/pickup", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.clock.Set(pickup.Add(15 * 24 * time.Hour))
	w = doJSON(t, s, http.MethodPost, "/api/v1/transactions/"+id+"/return", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodPost, ratePath, map[string]int{"score": 9}, &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, ratePath, map[string]int{"score": 4}, &alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodGet, ratePath, nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	var rating ratingResp
	decode(t, w, &rating)
	assert.Equal(t, int64(1), rating.Count)
	assert.InDelta(t, 4.0, rating.Average, 0.001)
	assert.Equal(t, 4, rating.UserScore)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(requestIDHeader))

	w = doJSON(t, env.server, http.MethodGet, "/api/v1/books", nil, nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestSwaggerDocServed(t *testing.T) {
	env := setupServer(t)

	w := doJSON(t, env.server, http.MethodGet, "/swagger/doc.json", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	decode(t, w, &doc)
	assert.Equal(t, "/api/v1", doc.BasePath)
	assert.Contains(t, doc.Paths, "/transactions/borrow")
	assert.Contains(t, doc.Paths, "/lockers/available")
}

func TestWebsocketReceivesBorrowNotification(t *testing.T) {
	env := setupServer(t)
	srv := httptest.NewServer(env.server.Engine())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + token(t, alice)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return env.hub.Connected(alice.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, env.server, http.MethodPost, "/api/v1/transactions/borrow", env.borrowBody(), &alice)
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventTransactionCreated, msg.Type)
	assert.Equal(t, string(db.StatusActive), msg.Status)
}
