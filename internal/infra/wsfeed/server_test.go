package wsfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"livedata_go/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// fakeServer is a minimal live data server speaking the wsfeed protocol.
type fakeServer struct {
	t      *testing.T
	codec  Codec
	server *httptest.Server

	// silent drops subscribe requests and closes the connection instead.
	silent bool

	mu         sync.Mutex
	conns      []*websocket.Conn
	channelKey map[string]domain.Key
	started    []string
	stopped    []string
	heartbeats [][]domain.Key
}

func newFakeServer(t *testing.T, codec Codec) *fakeServer {
	s := &fakeServer{t: t, codec: codec, channelKey: make(map[string]domain.Key)}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *fakeServer) serve(conn *websocket.Conn) {
	var writeMu sync.Mutex
	write := func(msgType, id string, body any) {
		data, err := s.codec.Encode(msgType, id, body)
		if err != nil {
			s.t.Errorf("server encode: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteMessage(s.codec.FrameType(), data)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := s.codec.Decode(msg)
		if err != nil {
			s.t.Errorf("server decode: %v", err)
			return
		}

		switch env.Type {
		case TypeSubscribe:
			if s.silent {
				conn.Close()
				return
			}
			var req domain.SubscriptionRequest
			s.codec.DecodeBody(env.Body, &req)
			resp := domain.SubscriptionResponse{CorrelationID: req.CorrelationID}
			for _, k := range req.Keys {
				e := domain.KeyResponse{Key: k, Outcome: domain.OutcomeSuccess}
				switch req.Kind {
				case domain.KindStreaming:
					e.ChannelID = "ch-" + k.Ticker
					s.mu.Lock()
					s.channelKey[e.ChannelID] = k
					s.mu.Unlock()
				case domain.KindSnapshot:
					snap := serverTick(k, 10)
					e.Snapshot = &snap
				}
				resp.Entries = append(resp.Entries, e)
			}
			write(TypeSubscribeResult, env.ID, resp)

		case TypeStartChannel:
			var cm ChannelMessage
			s.codec.DecodeBody(env.Body, &cm)
			s.mu.Lock()
			s.started = append(s.started, cm.Channel)
			key := s.channelKey[cm.Channel]
			s.mu.Unlock()
			write(TypeTick, "", TickMessage{Channel: cm.Channel, Tick: serverTick(key, 11)})

		case TypeStopChannel:
			var cm ChannelMessage
			s.codec.DecodeBody(env.Body, &cm)
			s.mu.Lock()
			s.stopped = append(s.stopped, cm.Channel)
			s.mu.Unlock()

		case TypeHeartbeat:
			var hb HeartbeatMessage
			s.codec.DecodeBody(env.Body, &hb)
			s.mu.Lock()
			s.heartbeats = append(s.heartbeats, hb.Keys)
			s.mu.Unlock()

		case TypeEntitlement:
			var em EntitlementMessage
			s.codec.DecodeBody(env.Body, &em)
			var res EntitlementResult
			for _, k := range em.Keys {
				if k.Ticker != "DENIED" {
					res.Granted = append(res.Granted, k)
				}
			}
			write(TypeEntitlementResult, env.ID, res)
		}
	}
}

func (s *fakeServer) stoppedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func (s *fakeServer) startedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *fakeServer) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeats)
}

// dropConnections closes every server side socket.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func serverTick(key domain.Key, seq uint64) domain.Tick {
	return domain.Tick{
		Key:       key,
		Sequence:  seq,
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC),
		Fields:    map[string]decimal.Decimal{"last": decimal.RequireFromString("101.25")},
	}
}
