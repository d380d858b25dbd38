//go:build e2e

// End-to-end scenarios against a live gv50d server: real TCP sockets on
// loopback, real MongoDB (skipped when unreachable), the full parse,
// reduce, persist, dispatch pipeline in between. Only the FCM gateway is
// recorded in-process; pushing to Google from CI is nobody's idea of fun.
package e2e_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetlink/gv50d/internal/testutil"
	"github.com/fleetlink/gv50d/pkg/config"
	"github.com/fleetlink/gv50d/pkg/handler"
	"github.com/fleetlink/gv50d/pkg/notify"
	"github.com/fleetlink/gv50d/pkg/server"
	"github.com/fleetlink/gv50d/pkg/store"
)

const (
	testIMEI = "865083030049613"

	friResp = "+RESP:GTFRI,250504,865083030049613,GV50,0,10,1,1,62.3,182,2986.3,-46.719342,-23.593152,20250727122605,0724,0011,3D1C,8101,00,0.0,,20250727122605,0123$"
	ignBuff = "+BUFF:GTIGN,250504,865083030049613,GV50,,98,12.3,0,215.0,-46.801234,-23.512345,20240101000000,00F1$"
	hbdAck  = "+ACK:GTHBD,250504,865083030049613,,20250727122605,0125$"
	outOK   = "+ACK:GTOUT,250504,865083030049613,,0000,1,0.0,20250727122605,0126$"

	blockCmd = "AT+GTOUT=gv50,1,,,,,,0,,,,,,,0001$"
)

func epsResp(voltage string) string {
	return "+RESP:GTEPS,250504,865083030049613,GV50,,98,0.0,0,215.0,-46.801234,-23.512345,20250727122605,0724,0011,3D1C,8101,00," +
		voltage + ",20250727122605,0101$"
}

// push records one delivered notification.
type push struct {
	token string
	topic string
	title string
	body  string
	data  map[string]string
}

// recordingGateway captures pushes instead of calling FCM. The server
// delivers from connection goroutines, hence the lock.
type recordingGateway struct {
	mu     sync.Mutex
	pushes []push
}

func (g *recordingGateway) SendToToken(ctx context.Context, token, title, body string, data map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, push{token: token, title: title, body: body, data: data})
	return nil
}

func (g *recordingGateway) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, push{topic: topic, title: title, body: body, data: data})
	return nil
}

func (g *recordingGateway) titled(title string) []push {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []push
	for _, p := range g.pushes {
		if p.title == title {
			out = append(out, p)
		}
	}
	return out
}

// fleet is one running server with its backing database.
type fleet struct {
	cfg     *config.Config
	store   *store.MongoStore
	gateway *recordingGateway
	db      string
	addr    string
}

// startFleet boots a gv50d server on a loopback port against a throwaway
// MongoDB database. mutate adjusts the config before the server starts.
func startFleet(t *testing.T, mutate func(*config.Config)) *fleet {
	t.Helper()
	testutil.SkipIfNoMongo(t)

	cfg := config.Default()
	cfg.ListenIP = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.PersistenceURI = testutil.MongoURI()
	cfg.PersistenceDB = testutil.TestDatabase(t)
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.NewMongoStore(ctx, cfg.PersistenceURI, cfg.PersistenceDB)
	if err != nil {
		cancel()
		t.Fatalf("connecting store: %v", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		cancel()
		t.Fatalf("ensuring indexes: %v", err)
	}

	gw := &recordingGateway{}
	h := handler.New(st, notify.NewService(gw, st, cfg.DefaultTopic), cfg)
	srv := server.New(cfg, h)
	if err := srv.Listen(); err != nil {
		cancel()
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("server did not stop in time")
		}
		st.Close(context.Background())
	})

	return &fleet{cfg: cfg, store: st, gateway: gw, db: cfg.PersistenceDB, addr: srv.Addr()}
}

// device loads the state row for an IMEI, nil when none exists.
func (f *fleet) device(t *testing.T, imei string) *store.Device {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev, err := f.store.LoadDevice(ctx, imei)
	if err != nil {
		t.Fatalf("LoadDevice failed: %v", err)
	}
	return dev
}

// samples reads the telemetry history for an IMEI straight from the
// database.
func (f *fleet) samples(t *testing.T, imei string) []store.Sample {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.MongoURI()))
	if err != nil {
		t.Fatalf("connecting mongo: %v", err)
	}
	defer client.Disconnect(ctx)

	cur, err := client.Database(f.db).Collection("vehicle_data").Find(ctx, bson.M{"imei": imei})
	if err != nil {
		t.Fatalf("querying samples: %v", err)
	}
	var out []store.Sample
	if err := cur.All(ctx, &out); err != nil {
		t.Fatalf("decoding samples: %v", err)
	}
	return out
}

// tracker is a scripted GV50 client.
type tracker struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connectTracker(t *testing.T, addr string) *tracker {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &tracker{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (tr *tracker) send(frame string) {
	tr.t.Helper()

	if _, err := tr.conn.Write([]byte(frame)); err != nil {
		tr.t.Fatalf("sending frame: %v", err)
	}
}

// readFrame returns the next $-terminated frame from the server.
func (tr *tracker) readFrame(timeout time.Duration) string {
	tr.t.Helper()

	tr.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := tr.r.ReadString('$')
	if err != nil {
		tr.t.Fatalf("reading frame: %v", err)
	}
	return frame
}

// expectSilence asserts that no frame arrives within the window.
func (tr *tracker) expectSilence(window time.Duration) {
	tr.t.Helper()

	tr.conn.SetReadDeadline(time.Now().Add(window))
	frame, err := tr.r.ReadString('$')
	if err == nil {
		tr.t.Fatalf("expected no frame, got %q", frame)
	}
	if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
		tr.t.Fatalf("expected read timeout, got %v", err)
	}
}

// expectClosed asserts the server has closed the session.
func (tr *tracker) expectClosed(timeout time.Duration) {
	tr.t.Helper()

	tr.conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := tr.r.ReadString('$'); err == nil {
		tr.t.Fatal("connection still open, expected close")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		tr.t.Fatal("connection still open after timeout, expected close")
	}
}

// expectAck reads one frame and checks it acknowledges the given report
// type.
func (tr *tracker) expectAck(reportType string) string {
	tr.t.Helper()

	frame := tr.readFrame(3 * time.Second)
	want := "+ACK:" + reportType + ","
	if !strings.HasPrefix(frame, want) {
		tr.t.Fatalf("frame %q should start with %q", frame, want)
	}
	if !strings.HasSuffix(frame, ",11F0$") {
		tr.t.Fatalf("ack %q should end with the fixed checksum", frame)
	}
	return frame
}
