package credit_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/cobra-ai/credits/internal/domain/credit"
	"github.com/cobra-ai/credits/internal/middleware"
	"github.com/cobra-ai/credits/internal/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type apiHarness struct {
	f       *fixture
	handler http.Handler
	user    string
	admin   string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	f := newFixture(t)
	jwtSvc := jwt.NewService("test-secret", time.Minute)
	h := credit.NewHandler(f.service, newScheduler(f, &fakeMailer{}), rate.NewLimiter(rate.Every(time.Hour), 1))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSvc))
		r.Mount("/credits", h.UserRoutes())
	})
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSvc))
		r.Use(middleware.RequireAdmin())
		r.Mount("/credits", h.AdminRoutes())
		r.Mount("/credit-types", h.TypeAdminRoutes())
	})

	user, err := jwtSvc.GenerateAccessToken(1, "user")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	admin, err := jwtSvc.GenerateAccessToken(100, "admin")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &apiHarness{f: f, handler: r, user: user, admin: admin}
}

func (a *apiHarness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if code == "" {
		return
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("expected error code %s, got %s", code, w.Body.String())
	}
}

func TestAdminAddAndConsume(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(t, http.MethodPost, "/api/admin/credits", a.admin,
		`{"user_id":1,"amount":"25","credit_type":"paid","comment":"top-up"}`)
	expectCode(t, w, http.StatusCreated, "")

	var grant credit.GrantResponse
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.UserID != 1 || grant.CreditType != credit.TypePaid || !grant.Remaining.Equal(dec("25")) {
		t.Fatalf("unexpected grant %+v", grant)
	}

	w = a.do(t, http.MethodPost, "/api/admin/credits/consume", a.admin, `{"user_id":1,"amount":"30"}`)
	expectCode(t, w, http.StatusConflict, "INSUFFICIENT_CREDITS")

	w = a.do(t, http.MethodPost, "/api/admin/credits/consume", a.admin, `{"user_id":1,"amount":"10"}`)
	expectCode(t, w, http.StatusOK, "")
	assertDecimal(t, "balance after consume", a.f.balance(t, 1), "15")
}

func TestAdminRequestErrors(t *testing.T) {
	a := newAPIHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad json", http.MethodPost, "/api/admin/credits", `{"user_id":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing user", http.MethodPost, "/api/admin/credits", `{"amount":"5","credit_type":"paid"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown type", http.MethodPost, "/api/admin/credits", `{"user_id":1,"amount":"5","credit_type":"nope"}`, http.StatusBadRequest, "INVALID_CREDIT_TYPE"},
		{"zero amount", http.MethodPost, "/api/admin/credits", `{"user_id":1,"amount":"0","credit_type":"paid"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"missing grant", http.MethodGet, "/api/admin/credits/999", "", http.StatusNotFound, "NOT_FOUND"},
		{"bad id", http.MethodGet, "/api/admin/credits/abc", "", http.StatusBadRequest, "BAD_REQUEST"},
		{"bad status filter", http.MethodGet, "/api/admin/credits?status=frozen", "", http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, a.admin, tt.body)
			expectCode(t, w, tt.status, tt.code)
		})
	}
}

func TestAdminUpdateStatus(t *testing.T) {
	a := newAPIHarness(t)
	id := a.f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})
	path := "/api/admin/credits/" + strconv.FormatInt(id, 10) + "/status"

	w := a.do(t, http.MethodPatch, path, a.admin, `{"status":"frozen"}`)
	expectCode(t, w, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	if env := decodeEnvelope(t, w); env.Error.Details["status"] == "" {
		t.Fatalf("expected a status detail, got %+v", env.Error.Details)
	}

	w = a.do(t, http.MethodPatch, path, a.admin, `{"status":"deleted","comment":"refund"}`)
	expectCode(t, w, http.StatusOK, "")
	if g := a.f.grant(t, id); g.Status != credit.StatusDeleted || g.Comment != "refund" {
		t.Fatalf("unexpected grant after delete %+v", g)
	}

	w = a.do(t, http.MethodPatch, path, a.admin, `{"status":"active"}`)
	expectCode(t, w, http.StatusConflict, "INVALID_TRANSITION")
}

func TestUserBalanceAndTransfer(t *testing.T) {
	a := newAPIHarness(t)
	a.f.add(t, 1, "40", credit.TypePaid, credit.AddOptions{})

	w := a.do(t, http.MethodGet, "/api/v1/credits/balance", "", "")
	expectCode(t, w, http.StatusUnauthorized, "")

	w = a.do(t, http.MethodPost, "/api/v1/credits/transfer", a.user, `{"to_user_id":2,"amount":"15"}`)
	expectCode(t, w, http.StatusOK, "")

	w = a.do(t, http.MethodPost, "/api/v1/credits/transfer", a.user, `{"to_user_id":1,"amount":"1"}`)
	expectCode(t, w, http.StatusBadRequest, "SAME_USER")

	w = a.do(t, http.MethodGet, "/api/v1/credits/balance", a.user, "")
	expectCode(t, w, http.StatusOK, "")
	var balance credit.BalanceResponse
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.UserID != 1 || !balance.Balance.Equal(dec("25")) {
		t.Fatalf("unexpected balance %+v", balance)
	}
	assertDecimal(t, "recipient balance", a.f.balance(t, 2), "15")

	w = a.do(t, http.MethodGet, "/api/v1/credits", a.user, "")
	expectCode(t, w, http.StatusOK, "")
	var grants []credit.GrantResponse
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &grants); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(grants) != 1 || !grants[0].Remaining.Equal(dec("25")) {
		t.Fatalf("unexpected grants %+v", grants)
	}
}

func TestUserCannotReachAdminRoutes(t *testing.T) {
	a := newAPIHarness(t)
	w := a.do(t, http.MethodGet, "/api/admin/credits", a.user, "")
	expectCode(t, w, http.StatusForbidden, "")
}

func TestRunJobLimitedAndValidated(t *testing.T) {
	a := newAPIHarness(t)

	w := a.do(t, http.MethodPost, "/api/admin/credits/jobs/bogus/run", a.admin, "")
	expectCode(t, w, http.StatusNotFound, "NOT_FOUND")

	w = a.do(t, http.MethodPost, "/api/admin/credits/jobs/expiration_check/run", a.admin, "")
	expectCode(t, w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
}

func TestTypeAdministration(t *testing.T) {
	a := newAPIHarness(t)
	body := `{"id":"promo","name":"Promo Credits","priority":5,"duration":14,"duration_unit":"days"}`

	w := a.do(t, http.MethodPost, "/api/admin/credit-types", a.admin, body)
	expectCode(t, w, http.StatusCreated, "")
	def, ok := a.f.registry.Get("promo")
	if !ok || def.Name != "Promo Credits" || def.Priority != 5 {
		t.Fatalf("unexpected registered type %+v", def)
	}

	w = a.do(t, http.MethodPost, "/api/admin/credit-types", a.admin, body)
	expectCode(t, w, http.StatusConflict, "TYPE_EXISTS")

	w = a.do(t, http.MethodDelete, "/api/admin/credit-types/paid", a.admin, "")
	expectCode(t, w, http.StatusBadRequest, "CORE_TYPE")

	w = a.do(t, http.MethodDelete, "/api/admin/credit-types/promo", a.admin, "")
	expectCode(t, w, http.StatusNoContent, "")
}

func TestExportServesWorkbook(t *testing.T) {
	a := newAPIHarness(t)
	a.f.add(t, 1, "5", credit.TypePaid, credit.AddOptions{})

	w := a.do(t, http.MethodGet, "/api/admin/credits/export?user_id=1", a.admin, "")
	expectCode(t, w, http.StatusOK, "")
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("empty workbook")
	}
}

func TestTransferCreditTypeIsAdminOnly(t *testing.T) {
	a := newAPIHarness(t)
	a.f.add(t, 1, "30", credit.TypeGift, credit.AddOptions{})

	received := func(w *httptest.ResponseRecorder) *credit.Grant {
		t.Helper()
		expectCode(t, w, http.StatusOK, "")
		var res credit.TransferResult
		if err := json.Unmarshal(decodeEnvelope(t, w).Data, &res); err != nil {
			t.Fatalf("decode transfer: %v", err)
		}
		return a.f.grant(t, res.ReceivedGrant)
	}

	w := a.do(t, http.MethodPost, "/api/v1/credits/transfer", a.user,
		`{"to_user_id":2,"amount":"10","credit_type":"paid"}`)
	if g := received(w); g.CreditType != credit.TypeTransfer {
		t.Fatalf("user transfer landed as %s, want %s", g.CreditType, credit.TypeTransfer)
	}

	w = a.do(t, http.MethodPost, "/api/admin/credits/transfer", a.admin,
		`{"from_user_id":1,"to_user_id":2,"amount":"10","credit_type":"gift"}`)
	if g := received(w); g.CreditType != credit.TypeGift || g.ExpirationDate == nil {
		t.Fatalf("admin transfer landed as %s expiring %v, want gift with expiry", g.CreditType, g.ExpirationDate)
	}
}
