package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"gymtrack/internal/config"
	"gymtrack/internal/docstore"
	"gymtrack/internal/httpmiddleware"
	"gymtrack/internal/media"
	"gymtrack/internal/member"
)

func init() { gin.SetMode(gin.TestMode) }

type fakePhotos struct {
	publicID string
}

func (f *fakePhotos) UploadDataURL(_ context.Context, publicID, data string) (media.Photo, error) {
	f.publicID = publicID
	return media.Photo{PublicID: publicID, SecureURL: "https://res.cloudinary.com/demo/" + publicID + ".jpg"}, nil
}

func (f *fakePhotos) UploadBytes(_ context.Context, publicID, _ string, _ []byte) (media.Photo, error) {
	return f.UploadDataURL(context.Background(), publicID, "")
}

type harness struct {
	t       *testing.T
	router  *gin.Engine
	members *member.Service
	photos  *fakePhotos
}

func newHarness(t *testing.T, health map[string]HealthCheck) *harness {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := member.NewService(member.NewRepository(docstore.NewMemory()), member.Options{
		Location: time.FixedZone("BRT", -3*60*60),
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return now },
	})
	photos := &fakePhotos{}
	srv := New(Options{
		JWTIssuer:         "gymtrack",
		JWTSigningKey:     "test-key",
		AccessTTL:         time.Hour,
		RefreshTTL:        24 * time.Hour,
		AdminUser:         "admin",
		AdminPasswordHash: string(hash),
		Pix:               config.Pix{Key: "gym@example.com", MerchantName: "Gym", MerchantCity: "Sao Paulo", MonthlyFee: 99.9},
	}, svc, photos, health, zerolog.Nop())
	return &harness{t: t, router: srv.Router(), members: svc, photos: photos}
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) token(body map[string]string) string {
	h.t.Helper()
	w := h.do(http.MethodPost, "/v1/auth/token", "", body)
	if w.Code != http.StatusOK {
		h.t.Fatalf("token: %d %s", w.Code, w.Body)
	}
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	decode(h.t, w, &pair)
	return pair.AccessToken
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %s: %v", w.Body, err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body httpmiddleware.ErrorBody
	decode(t, w, &body)
	return body.Error.Code
}

func TestMemberFlow(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.token(map[string]string{"username": "admin", "password": "admin-pass"})

	w := h.do(http.MethodPost, "/v1/admin/members", admin, map[string]any{"name": "Ana", "payment_due_day": 5, "password": "hunter22"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create member: %d %s", w.Code, w.Body)
	}
	var created member.Member
	decode(t, w, &created)
	if created.PasswordHash != "" {
		t.Fatal("password hash leaked")
	}

	tok := h.token(map[string]string{"member_id": created.ID, "password": "hunter22"})

	if w := h.do(http.MethodPost, "/v1/me/checkins", tok, nil); w.Code != http.StatusCreated {
		t.Fatalf("check in: %d %s", w.Code, w.Body)
	}
	w = h.do(http.MethodPost, "/v1/me/checkins", tok, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "DUPLICATE_CHECK_IN" {
		t.Fatalf("duplicate check in: %d %s", w.Code, w.Body)
	}

	path := "/v1/admin/members/" + created.ID + "/checkins/2026-03-10/confirm"
	if w := h.do(http.MethodPost, path, admin, nil); w.Code != http.StatusOK {
		t.Fatalf("confirm check in: %d %s", w.Code, w.Body)
	}

	w = h.do(http.MethodGet, "/v1/me/stats", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", w.Code, w.Body)
	}
	var st struct {
		Confirmed   int `json:"confirmed"`
		Denominator int `json:"denominator"`
	}
	decode(t, w, &st)
	if st.Confirmed != 1 || st.Denominator != 155 {
		t.Fatalf("stats = %+v", st)
	}

	w = h.do(http.MethodPost, "/v1/me/payments/report", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"awaiting-confirmation"`) {
		t.Fatalf("report: %d %s", w.Code, w.Body)
	}
	w = h.do(http.MethodPost, "/v1/admin/members/"+created.ID+"/payments/confirm", admin, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"paid"`) {
		t.Fatalf("confirm: %d %s", w.Code, w.Body)
	}

	w = h.do(http.MethodGet, "/v1/admin/payments/overview?status=paid", admin, nil)
	var ov member.Overview
	decode(t, w, &ov)
	if len(ov.Entries) != 1 || ov.Entries[0].MemberID != created.ID {
		t.Fatalf("overview = %+v", ov)
	}

	w = h.do(http.MethodPost, "/v1/admin/reset", admin, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"reset":1`) {
		t.Fatalf("reset: %d %s", w.Code, w.Body)
	}
}

func TestDependentRoutes(t *testing.T) {
	h := newHarness(t, nil)
	m, err := h.members.Register(context.Background(), member.RegisterInput{Name: "Ana", PaymentDueDay: 5, Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	tok := h.token(map[string]string{"member_id": m.ID, "password": "hunter22"})

	w := h.do(http.MethodPost, "/v1/me/dependents", tok, map[string]any{"name": "Bia", "payment_due_day": 10})
	if w.Code != http.StatusCreated {
		t.Fatalf("add dependent: %d %s", w.Code, w.Body)
	}
	var dep member.Dependent
	decode(t, w, &dep)

	base := "/v1/me/dependents/" + dep.ID
	if w := h.do(http.MethodPost, base+"/checkins", tok, nil); w.Code != http.StatusCreated {
		t.Fatalf("dependent check in: %d %s", w.Code, w.Body)
	}
	if w := h.do(http.MethodPut, base, tok, map[string]any{"name": "Beatriz", "payment_due_day": 12}); w.Code != http.StatusOK {
		t.Fatalf("update dependent: %d %s", w.Code, w.Body)
	}
	if w := h.do(http.MethodPost, "/v1/me/photo?dependent="+dep.ID, tok, map[string]string{"data": "data:image/png;base64,AAAA"}); w.Code != http.StatusOK {
		t.Fatalf("photo: %d %s", w.Code, w.Body)
	}
	if h.photos.publicID != m.ID+"_"+dep.ID {
		t.Fatalf("public id = %s", h.photos.publicID)
	}
	if w := h.do(http.MethodDelete, base, tok, nil); w.Code != http.StatusNoContent {
		t.Fatalf("remove dependent: %d %s", w.Code, w.Body)
	}
	w = h.do(http.MethodGet, base+"/stats", tok, nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != "NOT_FOUND" {
		t.Fatalf("stats for removed dependent: %d %s", w.Code, w.Body)
	}
}

func TestAuthErrors(t *testing.T) {
	h := newHarness(t, nil)
	m, err := h.members.Register(context.Background(), member.RegisterInput{Name: "Ana", PaymentDueDay: 5, Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	tok := h.token(map[string]string{"member_id": m.ID, "password": "hunter22"})

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"bad password", http.MethodPost, "/v1/auth/token", "", map[string]string{"member_id": m.ID, "password": "nope"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad admin password", http.MethodPost, "/v1/auth/token", "", map[string]string{"username": "admin", "password": "nope"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"empty token request", http.MethodPost, "/v1/auth/token", "", map[string]string{}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"no token", http.MethodGet, "/v1/me", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"member on admin route", http.MethodGet, "/v1/admin/members", tok, nil, http.StatusForbidden, "FORBIDDEN"},
		{"bad history date", http.MethodGet, "/v1/me/history?from=yesterday", tok, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
			if got := errorCode(t, w); got != tt.code {
				t.Fatalf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestPix(t *testing.T) {
	h := newHarness(t, nil)
	m, err := h.members.Register(context.Background(), member.RegisterInput{Name: "Ana", PaymentDueDay: 5, Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	tok := h.token(map[string]string{"member_id": m.ID, "password": "hunter22"})

	w := h.do(http.MethodGet, "/v1/me/pix", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pix: %d %s", w.Code, w.Body)
	}
	var body struct {
		Payload string  `json:"payload"`
		Amount  float64 `json:"amount"`
	}
	decode(t, w, &body)
	if !strings.HasPrefix(body.Payload, "000201") || !strings.Contains(body.Payload, "540599.90") || body.Amount != 99.9 {
		t.Fatalf("pix body = %+v", body)
	}
}

func TestPixPerPerson(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m, err := h.members.Register(ctx, member.RegisterInput{Name: "Ana", PaymentDueDay: 5, Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	dep, err := h.members.AddDependent(ctx, m.ID, member.DependentInput{Name: "Bia", PaymentDueDay: 5})
	if err != nil {
		t.Fatal(err)
	}
	tok := h.token(map[string]string{"member_id": m.ID, "password": "hunter22"})

	payloads := map[string]string{}
	for _, path := range []string{"/v1/me/pix", "/v1/me/dependents/" + dep.ID + "/pix"} {
		w := h.do(http.MethodGet, path, tok, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, w.Code, w.Body)
		}
		var body struct {
			Payload string `json:"payload"`
		}
		decode(t, w, &body)
		payloads[path] = body.Payload
	}
	if payloads["/v1/me/pix"] == payloads["/v1/me/dependents/"+dep.ID+"/pix"] {
		t.Fatalf("member and dependent share a payload: %s", payloads["/v1/me/pix"])
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := h.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}
	decode(t, w, &body)
	if body.Status != "degraded" || !body.Checks["store"] || body.Checks["redis"] {
		t.Fatalf("body = %+v", body)
	}
}
