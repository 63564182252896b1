package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camarasama/instant-class-chat/internal/account"
	"github.com/camarasama/instant-class-chat/internal/auth"
	"github.com/camarasama/instant-class-chat/internal/chat"
	"github.com/camarasama/instant-class-chat/internal/config"
	"github.com/camarasama/instant-class-chat/internal/hub"
	"github.com/camarasama/instant-class-chat/internal/model"
	"github.com/camarasama/instant-class-chat/internal/storetest"
)

type testEnv struct {
	cfg    config.Config
	store  *storetest.MemStore
	sender *storetest.FakeSender
	hub    *hub.Hub
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		JWTSecret:      "test-secret",
		JWTIssuer:      "instant-class-chat",
		AccessTokenTTL: time.Hour,
		OTPTTL:         5 * time.Minute,
		AllowedOrigins: []string{"*"},
	}
	store := storetest.NewMemStore()
	sender := &storetest.FakeSender{}
	accounts := account.NewService(store, sender, cfg.OTPTTL)

	h := hub.New(store, nil, nil, hub.Options{})
	h.SetIngress(chat.NewPipeline(store, h, nil))

	server := NewServer(cfg, store, accounts, h, nil, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		h.Shutdown()
		ts.Close()
	})

	return &testEnv{cfg: cfg, store: store, sender: sender, hub: h, ts: ts}
}

func (e *testEnv) seedVerified(t *testing.T, id, email, role string) string {
	t.Helper()
	e.store.SeedIdentity(model.Identity{
		ID:          id,
		Email:       email,
		IndexNumber: strings.ToUpper(id),
		DisplayName: strings.ToUpper(id[:1]) + id[1:],
		Role:        role,
		Verified:    true,
	})
	token, err := auth.NewAccessToken(e.cfg.JWTSecret, e.cfg.JWTIssuer, e.cfg.AccessTokenTTL, auth.Claims{
		IdentityID: id,
		Role:       role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddRegistryRecord(model.RegistryRecord{
		ID:          "reg-1",
		Email:       "ama@knust.edu.gh",
		IndexNumber: "IDX1",
		FullName:    "Ama Serwaa",
		Role:        "student",
		Active:      true,
	})

	resp, body := env.request(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":       "ama@knust.edu.gh",
		"indexNumber": "IDX1",
		"password":    "correct horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d, body %s", resp.StatusCode, body)
	}

	code := env.sender.LastCode("ama@knust.edu.gh")
	if code == "" {
		t.Fatal("no code delivered")
	}

	resp, body = env.request(t, http.MethodPost, "/auth/verify-otp", "", map[string]string{
		"email": "ama@knust.edu.gh",
		"code":  code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d, body %s", resp.StatusCode, body)
	}
	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Token == "" || session.Profile.DisplayName != "Ama Serwaa" {
		t.Fatalf("unexpected session: %+v", session)
	}
	var cookieSet bool
	for _, cookie := range resp.Cookies() {
		if cookie.Name == auth.CookieName && cookie.Value != "" && cookie.HttpOnly {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatal("session cookie not set on verify")
	}

	resp, body = env.request(t, http.MethodGet, "/auth/me", session.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d, body %s", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"key":      "IDX1",
		"password": "correct horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login by index: status %d, body %s", resp.StatusCode, body)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing fields", map[string]string{"email": "a@b.co"}, http.StatusBadRequest},
		{"bad email", map[string]string{"email": "nope", "indexNumber": "IDX1", "password": "long enough"}, http.StatusBadRequest},
		{"short password", map[string]string{"email": "a@b.co", "indexNumber": "IDX1", "password": "short"}, http.StatusBadRequest},
		{"not on roster", map[string]string{"email": "a@b.co", "indexNumber": "IDX1", "password": "long enough"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.request(t, http.MethodPost, "/auth/register", "", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d, body %s", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestVerifyRejectsMalformedCode(t *testing.T) {
	env := newTestEnv(t)

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		resp, _ := env.request(t, http.MethodPost, "/auth/verify-otp", "", map[string]string{
			"email": "ama@knust.edu.gh",
			"code":  code,
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("code %q: status %d, want 400", code, resp.StatusCode)
		}
	}
}

func TestChannelsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodGet, "/channels", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/channels", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", resp.StatusCode)
	}
}

func TestChannelLifecycle(t *testing.T) {
	env := newTestEnv(t)
	facilitator := env.seedVerified(t, "kwame", "kwame@knust.edu.gh", model.RoleFacilitator)
	learner := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)

	// Learners cannot create channels.
	resp, _ := env.request(t, http.MethodPost, "/channels", learner, map[string]string{"name": "Algorithms"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("learner create: status %d, want 403", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/channels", facilitator, map[string]string{"name": "Algorithms"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", resp.StatusCode, body)
	}
	var created model.ChannelSummary
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if created.MemberCount != 1 {
		t.Fatalf("creator not a member: %+v", created)
	}

	// A non-member sees it as available but cannot read it.
	resp, _ = env.request(t, http.MethodGet, "/channels/"+created.ID, learner, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-member get: status %d, want 404", resp.StatusCode)
	}
	resp, body = env.request(t, http.MethodGet, "/channels/available", learner, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), created.ID) {
		t.Fatalf("available: status %d, body %s", resp.StatusCode, body)
	}

	resp, _ = env.request(t, http.MethodPost, "/channels/"+created.ID+"/join", learner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}
	resp, body = env.request(t, http.MethodGet, "/channels/"+created.ID, learner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member get: status %d, body %s", resp.StatusCode, body)
	}

	resp, _ = env.request(t, http.MethodPost, "/channels/"+created.ID+"/leave", learner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave: status %d", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodGet, "/channels/"+created.ID, learner, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after leave: status %d, want 404", resp.StatusCode)
	}

	// Joining a channel that does not exist is a 404.
	resp, _ = env.request(t, http.MethodPost, "/channels/nope/join", learner, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("join missing channel: status %d, want 404", resp.StatusCode)
	}
}

func TestMemberManagementIsRoleGated(t *testing.T) {
	env := newTestEnv(t)
	facilitator := env.seedVerified(t, "kwame", "kwame@knust.edu.gh", model.RoleFacilitator)
	learner := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "kwame"}, "kwame")

	resp, _ := env.request(t, http.MethodPost, "/channels/ch1/members", learner, map[string]string{"identityId": "ama"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("learner add member: status %d, want 403", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/channels/ch1/members", facilitator, map[string]string{"identityId": "ama"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add member: status %d, body %s", resp.StatusCode, body)
	}
	var members []model.Profile
	if err := json.Unmarshal(body, &members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("want 2 members, got %+v", members)
	}

	resp, _ = env.request(t, http.MethodPost, "/channels/ch1/members", facilitator, map[string]string{"identityId": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("add unknown identity: status %d, want 404", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodDelete, "/channels/ch1/members/ama", facilitator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove member: status %d", resp.StatusCode)
	}
}

func TestMessageHistoryRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	member := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)
	outsider := env.seedVerified(t, "kofi", "kofi@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "ama"}, "ama")

	resp, _ := env.request(t, http.MethodGet, "/channels/ch1/messages", outsider, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider history: status %d, want 403", resp.StatusCode)
	}
	resp, body := env.request(t, http.MethodGet, "/channels/ch1/messages", member, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member history: status %d, body %s", resp.StatusCode, body)
	}
}

func TestOnlineMembersRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	member := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)
	outsider := env.seedVerified(t, "kofi", "kofi@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "ama"}, "ama")

	resp, _ := env.request(t, http.MethodGet, "/channels/ch1/online", outsider, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider online: status %d, want 403", resp.StatusCode)
	}

	// No tracker configured: the endpoint still answers with an empty list.
	resp, body := env.request(t, http.MethodGet, "/channels/ch1/online", member, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("online: status %d, body %s", resp.StatusCode, body)
	}
	var payload map[string][]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if payload["online"] == nil || len(payload["online"]) != 0 {
		t.Fatalf("want empty online list, got %v", payload)
	}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) hub.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame hub.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame hub.Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSocketRejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 handshake, got %v", resp)
	}
}

func TestSocketRejectsUnverifiedIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedIdentity(model.Identity{
		ID:          "pending",
		Email:       "pending@knust.edu.gh",
		IndexNumber: "PENDING",
		DisplayName: "Pending",
		Role:        model.RoleLearner,
		Verified:    false,
	})
	token, err := auth.NewAccessToken(env.cfg.JWTSecret, env.cfg.JWTIssuer, env.cfg.AccessTokenTTL, auth.Claims{
		IdentityID: "pending",
		Role:       model.RoleLearner,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	_, resp, dialErr := websocket.DefaultDialer.Dial(url, header)
	if dialErr == nil {
		t.Fatal("dial with an unverified identity succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 handshake, got %v", resp)
	}
}

func TestSocketJoinDeniedForNonMember(t *testing.T) {
	env := newTestEnv(t)
	outsider := env.seedVerified(t, "kofi", "kofi@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "ama"}, "ama")

	conn := env.dial(t, outsider)
	writeFrame(t, conn, hub.Frame{Type: hub.FrameJoinChannel, ChannelID: "ch1"})

	frame := readFrame(t, conn)
	if frame.Type != hub.FrameError || frame.Reason != "access_denied" {
		t.Fatalf("want access_denied error frame, got %+v", frame)
	}
}

func TestSocketMessaging(t *testing.T) {
	env := newTestEnv(t)
	ama := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)
	kofi := env.seedVerified(t, "kofi", "kofi@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "ama"}, "ama", "kofi")

	// Kofi listens on two devices at once. The first device echoes a message
	// back to itself so the join is known to have landed before the second
	// device joins; frames on one connection are handled in order, but the
	// two connections' read loops are independent.
	kofi1 := env.dial(t, kofi)
	writeFrame(t, kofi1, hub.Frame{Type: hub.FrameJoinChannel, ChannelID: "ch1"})
	writeFrame(t, kofi1, hub.Frame{Type: hub.FrameSendMessage, ChannelID: "ch1", Text: "ping"})
	if frame := readFrame(t, kofi1); frame.Type != hub.FrameNewMessage || frame.Message == nil || frame.Message.Text != "ping" {
		t.Fatalf("want echoed ping, got %+v", frame)
	}

	kofi2 := env.dial(t, kofi)
	writeFrame(t, kofi2, hub.Frame{Type: hub.FrameJoinChannel, ChannelID: "ch1"})

	// The first device sees the second one arrive, which proves the second
	// join has been processed as well.
	if frame := readFrame(t, kofi1); frame.Type != hub.FrameUserJoined {
		t.Fatalf("want user_joined, got %+v", frame)
	}

	sender := env.dial(t, ama)
	writeFrame(t, sender, hub.Frame{Type: hub.FrameJoinChannel, ChannelID: "ch1"})
	for _, conn := range []*websocket.Conn{kofi1, kofi2} {
		if frame := readFrame(t, conn); frame.Type != hub.FrameUserJoined || frame.User.ID != "ama" {
			t.Fatalf("want ama user_joined, got %+v", frame)
		}
	}

	writeFrame(t, sender, hub.Frame{Type: hub.FrameSendMessage, ChannelID: "ch1", Text: "first"})
	writeFrame(t, sender, hub.Frame{Type: hub.FrameSendMessage, ChannelID: "ch1", Text: "second"})

	// Every connection, the sender's included, receives each message exactly
	// once and in the same order.
	for _, conn := range []*websocket.Conn{sender, kofi1, kofi2} {
		first := readFrame(t, conn)
		second := readFrame(t, conn)
		if first.Type != hub.FrameNewMessage || first.Message == nil || first.Message.Text != "first" {
			t.Fatalf("want first message, got %+v", first)
		}
		if second.Type != hub.FrameNewMessage || second.Message == nil || second.Message.Text != "second" {
			t.Fatalf("want second message, got %+v", second)
		}
		if first.Message.Author == nil || first.Message.Author.ID != "ama" {
			t.Fatalf("message missing author: %+v", first.Message)
		}
	}

	if env.store.MessageCount("ch1") != 3 {
		t.Fatalf("want 3 persisted messages, got %d", env.store.MessageCount("ch1"))
	}
}

func TestSocketSendToUnjoinedChannelStillChecksMembership(t *testing.T) {
	env := newTestEnv(t)
	ama := env.seedVerified(t, "ama", "ama@knust.edu.gh", model.RoleLearner)
	env.store.SeedChannel(model.Channel{ID: "ch1", Name: "Algorithms", CreatedBy: "other"}, "other")

	conn := env.dial(t, ama)
	writeFrame(t, conn, hub.Frame{Type: hub.FrameSendMessage, ChannelID: "ch1", Text: "hello"})

	frame := readFrame(t, conn)
	if frame.Type != hub.FrameMessageError || frame.Reason != "access_denied" {
		t.Fatalf("want message_error access_denied, got %+v", frame)
	}
	if env.store.MessageCount("ch1") != 0 {
		t.Fatal("rejected message was persisted")
	}
}
