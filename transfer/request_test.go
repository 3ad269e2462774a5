package transfer

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewFromRequest_Translation(t *testing.T) {
	var (
		gotMethod string
		gotRange  string
		gotHeader string
		gotBody   []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotRange = r.Header.Get("Range")
		gotHeader = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	d := newRecordingDelegate()
	h, err := NewFromRequest(&Request{
		Method: "PUT",
		URL:    ts.URL + "/object",
		Header: map[string][]string{
			"Range":    {"bytes=100-"},
			"X-Custom": {"yes"},
		},
		Body: []byte("request body"),
	}, d)
	if err != nil {
		t.Fatalf("NewFromRequest: %v", err)
	}
	if err := Perform(h); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if gotMethod != "PUT" {
		t.Errorf("method = %q", gotMethod)
	}
	if gotRange != "bytes=100-" {
		t.Errorf("range = %q", gotRange)
	}
	if gotHeader != "yes" {
		t.Errorf("custom header = %q", gotHeader)
	}
	if string(gotBody) != "request body" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNewFromRequest_Head(t *testing.T) {
	var gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Content-Length", "42")
	}))
	defer ts.Close()

	d := newRecordingDelegate()
	h, err := NewFromRequest(&Request{Method: "HEAD", URL: ts.URL}, d)
	if err != nil {
		t.Fatalf("NewFromRequest: %v", err)
	}
	if err := Perform(h); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if gotMethod != http.MethodHead {
		t.Errorf("method = %q", gotMethod)
	}
	if d.data.Len() != 0 {
		t.Errorf("body delivered for metadata request: %q", d.data.String())
	}
}

func TestNewFromRequest_BodyReader(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	payload := "streamed request body"
	d := newRecordingDelegate()
	h, err := NewFromRequest(&Request{
		URL:        ts.URL,
		BodyReader: strings.NewReader(payload),
		BodySize:   int64(len(payload)),
	}, d)
	if err != nil {
		t.Fatalf("NewFromRequest: %v", err)
	}
	if err := Perform(h); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if string(gotBody) != payload {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNewFromRequest_Nil(t *testing.T) {
	if _, err := NewFromRequest(nil, newRecordingDelegate()); !errors.Is(err, ErrUsage) {
		t.Errorf("err = %v, want ErrUsage", err)
	}
}

func TestProxyConfig(t *testing.T) {
	t.Cleanup(func() { SetProxy(ProxyConfig{Allow: true}) })

	SetProxy(ProxyConfig{URL: "http://proxy.local:3128", Allow: true})
	SetProxyUserPassword("user:secret")

	url, userpwd, ok := proxyFor()
	if !ok {
		t.Fatal("proxyFor = not ok")
	}
	if url != "http://proxy.local:3128" || userpwd != "user:secret" {
		t.Errorf("proxyFor = %q, %q", url, userpwd)
	}

	SetAllowsProxy(false)
	if _, _, ok := proxyFor(); ok {
		t.Error("proxyFor ok despite proxy disabled")
	}
}

func TestLoadProxyFromEnv(t *testing.T) {
	t.Cleanup(func() { SetProxy(ProxyConfig{Allow: true}) })

	t.Setenv("HOIST_PROXY_URL", "http://env-proxy.local:8080")
	t.Setenv("HOIST_PROXY_USERPWD", "u:p")
	t.Setenv("HOIST_PROXY_ALLOW", "true")

	if err := LoadProxyFromEnv(); err != nil {
		t.Fatalf("LoadProxyFromEnv: %v", err)
	}

	url, userpwd, ok := proxyFor()
	if !ok || url != "http://env-proxy.local:8080" || userpwd != "u:p" {
		t.Errorf("proxyFor = %q, %q, %v", url, userpwd, ok)
	}
}

func TestProxiedTransfer(t *testing.T) {
	t.Cleanup(func() { SetProxy(ProxyConfig{Allow: true}) })

	var gotTarget string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A plain-HTTP proxy receives the absolute request target.
		gotTarget = r.RequestURI
		w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	SetProxy(ProxyConfig{URL: proxy.URL, Allow: true})

	d := newRecordingDelegate()
	h, err := New("http://origin.invalid/data", d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Perform(h); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if gotTarget != "http://origin.invalid/data" {
		t.Errorf("request target = %q", gotTarget)
	}
	if d.data.String() != "via proxy" {
		t.Errorf("data = %q", d.data.String())
	}
}
