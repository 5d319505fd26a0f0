package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posbridge/internal/audit"
	"posbridge/internal/broker"
	"posbridge/internal/config"
	"posbridge/internal/models"
	"posbridge/internal/payment"
)

var callbackFields = []string{"clientid", "oid", "amount", "ProcReturnCode", "Response", "mdStatus"}

type testServer struct {
	e      *echo.Echo
	broker *broker.Broker
	audit  *audit.Store
	signer *payment.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	b := broker.New(broker.Options{}, logger)
	gw, err := payment.NewCMIGateway(config.GatewayConfig{
		ClientID:           "600000001",
		StoreKey:           "SKEY",
		TestURL:            "https://testpayment.example/fim/est3Dgate",
		ProdURL:            "https://payment.example/fim/est3Dgate",
		TestMode:           true,
		OkURL:              "http://localhost:3000/payment/callback/success",
		FailURL:            "http://localhost:3000/payment/callback/fail",
		Currency:           "949",
		Lang:               "tr",
		StoreType:          "3d_pay",
		HashAlgorithm:      "sha1",
		CallbackHashFields: callbackFields,
		RedirectDelay:      2 * time.Second,
	}, b, logger)
	require.NoError(t, err)

	store, err := audit.Open("", time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer, err := payment.NewSigner("sha1")
	require.NoError(t, err)

	h := NewPaymentHandler(gw, b, store, nil, nil, PaymentConfig{
		PublicURL:      "http://localhost:3000",
		DeepLinkScheme: "cmipaymentapp",
		Version:        "2.0.0",
		TestMode:       true,
	}, logger)

	e := echo.New()
	g := e.Group("/payment")
	g.POST("/initiate", h.Initiate)
	g.GET("/redirect/:orderId", h.Redirect)
	g.POST("/callback/success", h.CallbackSuccess)
	g.POST("/callback/fail", h.CallbackFail)
	g.GET("/:orderId/status", h.Status)
	g.POST("/:orderId/cancel", h.Cancel)
	e.GET("/health", h.Health)

	return &testServer{e: e, broker: b, audit: store, signer: signer}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) initiate(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payment/initiate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return s.do(req)
}

const coffeeBody = `{"orderId":"ORD_1","items":[{"id":"1","name":"Coffee","price":28.50,"quantity":2}],"customerInfo":{"name":"Ada","email":"ada@example.com"}}`

func (s *testServer) callback(t *testing.T, path string, fields map[string]string, hash string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	if hash == "" {
		values := make([]string, 0, len(callbackFields))
		for _, name := range callbackFields {
			values = append(values, fields[name])
		}
		hash = s.signer.Sign(values, "SKEY")
	}
	form.Set("HASH", hash)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return s.do(req)
}

func approved() map[string]string {
	return map[string]string{
		"clientid":       "600000001",
		"oid":            "ORD_1",
		"amount":         "57.00",
		"ProcReturnCode": "00",
		"Response":       "Approved",
		"mdStatus":       "1",
	}
}

func declined() map[string]string {
	f := approved()
	f["ProcReturnCode"] = "05"
	f["Response"] = "Declined"
	return f
}

func (s *testServer) status(t *testing.T, id string) broker.Status {
	t.Helper()
	session, err := s.broker.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return session.Status
}

func TestInitiate(t *testing.T) {
	s := newTestServer(t)

	rec := s.initiate(t, coffeeBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ORD_1", resp.OrderID)
	assert.Equal(t, "http://localhost:3000/payment/redirect/ORD_1", resp.PaymentURL)

	session, err := s.broker.GetStatus(context.Background(), "ORD_1")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPending, session.Status)
	assert.Equal(t, "57.00", session.Amount.StringFixed(2))
	assert.Equal(t, "Ada", session.Customer.Name)

	rec = s.initiate(t, coffeeBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInitiateValidation(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{
		`{"items":[]}`,
		`{"items":[{"name":"Tea","price":5,"quantity":0}]}`,
		`{"items":[{"name":"Tea","price":-5,"quantity":1}]}`,
		`not json`,
	} {
		rec := s.initiate(t, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)

		var resp models.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	}
	assert.Equal(t, 0, s.broker.Counts()[broker.StatusPending])
}

func TestRedirect(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/payment/redirect/ORD_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), `action="https://testpayment.example/fim/est3Dgate"`)
	assert.Contains(t, rec.Body.String(), `name="amount" value="57.00"`)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/payment/redirect/NOPE", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusFound, s.callback(t, "/payment/callback/success", approved(), "").Code)
	rec = s.do(httptest.NewRequest(http.MethodGet, "/payment/redirect/ORD_1", nil))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestApprovedCallbackIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	for i := 0; i < 2; i++ {
		rec := s.callback(t, "/payment/callback/success", approved(), "")
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "cmipaymentapp://payment/success?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
		assert.Equal(t, broker.StatusPaid, s.status(t, "ORD_1"))
	}

	records, err := s.audit.ForOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindSettled, records[0].Kind)
}

func TestBadHashLeavesSessionPending(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	rec := s.callback(t, "/payment/callback/success", approved(), "forged")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusPending, s.status(t, "ORD_1"))

	records, err := s.audit.ForOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindVerificationFailed, records[0].Kind)
	assert.Equal(t, "forged", records[0].Payload["HASH"])
}

func TestAmountMismatchLeavesSessionPending(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	fields := approved()
	fields["amount"] = "5.70"
	rec := s.callback(t, "/payment/callback/success", fields, "")
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusPending, s.status(t, "ORD_1"))
}

func TestCheckAmount(t *testing.T) {
	expected := decimal.RequireFromString("57.00")

	tests := []struct {
		name    string
		claimed string
		ok      bool
	}{
		{name: "equal", claimed: "57.00", ok: true},
		{name: "equal without cents", claimed: "57", ok: true},
		{name: "missing", claimed: ""},
		{name: "different", claimed: "5.70"},
		{name: "garbage", claimed: "57,00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkAmount(tt.claimed, expected)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, payment.ErrVerificationFailed)
		})
	}
}

func TestApprovalWithoutAmountLeavesSessionPending(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	fields := approved()
	delete(fields, "amount")
	rec := s.callback(t, "/payment/callback/success", fields, "")
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusPending, s.status(t, "ORD_1"))
}

func TestApprovalPostedToFailURLStillPays(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	rec := s.callback(t, "/payment/callback/fail", approved(), "")
	assert.Equal(t, "cmipaymentapp://payment/success?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusPaid, s.status(t, "ORD_1"))
}

func TestDeclineThenApprovalConflicts(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	rec := s.callback(t, "/payment/callback/fail", declined(), "")
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusFailed, s.status(t, "ORD_1"))

	rec = s.callback(t, "/payment/callback/success", approved(), "")
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusFailed, s.status(t, "ORD_1"))

	records, err := s.audit.ForOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, audit.KindSettled, records[0].Kind)
	assert.Equal(t, audit.KindConflict, records[1].Kind)
}

func TestCallbackWithoutOrderID(t *testing.T) {
	s := newTestServer(t)

	fields := approved()
	delete(fields, "oid")
	rec := s.callback(t, "/payment/callback/success", fields, "x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelThenLateApproval(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/payment/ORD_1/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.callback(t, "/payment/callback/success", approved(), "")
	assert.Equal(t, "cmipaymentapp://payment/fail?orderId=ORD_1", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, broker.StatusFailed, s.status(t, "ORD_1"))

	rec = s.do(httptest.NewRequest(http.MethodPost, "/payment/NOPE/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPaidConflicts(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)
	require.Equal(t, http.StatusFound, s.callback(t, "/payment/callback/success", approved(), "").Code)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/payment/ORD_1/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, broker.StatusPaid, s.status(t, "ORD_1"))
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.initiate(t, coffeeBody).Code)
	require.Equal(t, http.StatusFound, s.callback(t, "/payment/callback/success", approved(), "").Code)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/payment/ORD_1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Order)
	assert.Equal(t, "paid", resp.Order.Status)
	assert.Equal(t, "57.00", resp.Order.Total.StringFixed(2))
	assert.NotNil(t, resp.Order.PaidAt)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/payment/NOPE/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2.0.0", body["version"])
	assert.Equal(t, "test", body["gateway"])
	assert.NotEmpty(t, body["timestamp"])
}
