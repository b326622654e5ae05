package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	u, err := Endpoint(Message{Type: TypeNegotiationRequest, CounterPartyAddress: "http://p/"})
	require.NoError(t, err)
	require.Equal(t, "http://p/protocol/negotiations/request", u)

	u, err = Endpoint(Message{Type: TypeTransferStart, CounterPartyAddress: "http://c", CorrelationID: "t 1"})
	require.NoError(t, err)
	require.Equal(t, "http://c/protocol/transfers/t%201/start", u)

	_, err = Endpoint(Message{Type: TypeNegotiationAgreement, CounterPartyAddress: "http://c"})
	require.Error(t, err)
}

func TestHTTPDispatcher(t *testing.T) {
	var got wireMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/protocol/negotiations/request", r.URL.Path)
		require.Equal(t, "Bearer tok-for-"+"http://"+r.Host, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"process_id": "provider-1"})
	}))
	defer srv.Close()

	d := &HTTPDispatcher{Sender: "did:web:consumer", Tokens: func(aud string) (string, error) { return "tok-for-" + aud, nil }}
	res, err := d.Dispatch(context.Background(), Message{
		Type: TypeNegotiationRequest, CounterPartyAddress: srv.URL, ProcessID: "consumer-1",
		Payload: map[string]string{"offer_id": "o1"},
	})
	require.NoError(t, err)
	require.Equal(t, "provider-1", res.ProcessID)
	require.Equal(t, "consumer-1", got.ProcessID)
	require.Equal(t, "did:web:consumer", got.Sender)
}

func TestHTTPDispatcherClassifiesFailures(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()
	d := &HTTPDispatcher{}
	msg := Message{Type: TypeNegotiationRequest, CounterPartyAddress: srv.URL}

	_, err := d.Dispatch(context.Background(), msg)
	require.True(t, IsPermanent(err))

	status = http.StatusServiceUnavailable
	_, err = d.Dispatch(context.Background(), msg)
	require.Error(t, err)
	require.False(t, IsPermanent(err))

	status = http.StatusTooManyRequests
	_, err = d.Dispatch(context.Background(), msg)
	require.False(t, IsPermanent(err))

	status = http.StatusConflict
	_, err = d.Dispatch(context.Background(), msg)
	require.False(t, IsPermanent(err))

	status = http.StatusUnprocessableEntity
	_, err = d.Dispatch(context.Background(), msg)
	require.True(t, IsPermanent(err))
}

func TestRegistryUnknownProtocol(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), Message{Protocol: "ids-multipart"})
	require.True(t, IsPermanent(err))
}
