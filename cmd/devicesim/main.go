// devicesim emulates one classroom terminal against the broker: it keeps
// a websocket session alive with reconnect backoff, answers commands,
// sends heartbeats and replays scans buffered while offline.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"amsbroker/internal/transport"
)

var (
	serverURL = flag.String("server", "ws://localhost:8080/v1/ws", "broker websocket URL")
	deviceID  = flag.String("device", "SIM-001", "device identifier")
	mac       = flag.String("mac", "AA:BB:CC:DD:EE:01", "device MAC address")
	apiKey    = flag.String("key", "", "hardware API key")
	interval  = flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	scanEvery = flag.Duration("scan", 0, "emit a fake scan this often (0 disables)")
)

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

type simulator struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	offline []transport.OfflineRecord
	logger  *log.Logger
}

func main() {
	flag.Parse()
	logger := log.New(os.Stdout, *deviceID+" ", log.LstdFlags)
	sim := &simulator{logger: logger}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go sim.run(stop)

	<-stop
	logger.Println("simulator exiting")
}

func (s *simulator) run(stop <-chan os.Signal) {
	backoff := minBackoff
	for {
		started := time.Now()
		err := s.session(stop)
		if err == nil {
			return
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		s.logger.Printf("session ended: %v; reconnecting in %s", err, backoff)
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials, drains the offline buffer and serves traffic until the
// connection drops. A nil return means shutdown was requested.
func (s *simulator) session(stop <-chan os.Signal) error {
	header := http.Header{}
	header.Set("X-Device-Id", *deviceID)
	header.Set("X-Mac-Address", *mac)
	header.Set("X-Api-Key", *apiKey)

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, header)
	if err != nil {
		return err
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		_ = conn.Close()
	}()
	s.logger.Println("connected")

	conn.SetPongHandler(func(string) error { return nil })
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if records := s.drainOffline(); len(records) > 0 {
		s.logger.Printf("syncing %d buffered records", len(records))
		if err := s.send(transport.SyncFrame{DeviceID: *deviceID, OfflineRecords: records}, transport.TypeSync); err != nil {
			s.buffer(records...)
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.readLoop(conn) }()

	heartbeats := time.NewTicker(*interval)
	defer heartbeats.Stop()

	var scans *time.Ticker
	var scanC <-chan time.Time
	if *scanEvery > 0 {
		scans = time.NewTicker(*scanEvery)
		defer scans.Stop()
		scanC = scans.C
	}

	for {
		select {
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-done:
			return err
		case <-heartbeats.C:
			hb := transport.HeartbeatFrame{
				DeviceID:  *deviceID,
				Timestamp: time.Now().Unix(),
				RSSI:      -40 - rand.Intn(30),
			}
			if err := s.send(hb, transport.TypeHeartbeat); err != nil {
				return err
			}
		case <-scanC:
			s.emitScan()
		}
	}
}

func (s *simulator) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frameType, err := transport.PeekType(raw)
		if err != nil {
			s.logger.Printf("bad frame: %v", err)
			continue
		}
		switch frameType {
		case transport.TypeWelcome:
			s.logger.Println("welcome received")
		case transport.TypeCommand:
			var cmd transport.CommandFrame
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			s.logger.Printf("command %s (%s)", cmd.CommandID, cmd.Command)
			result, _ := json.Marshal(map[string]string{"handledBy": *deviceID})
			_ = s.send(transport.CommandResult{
				CommandID: cmd.CommandID,
				Status:    "completed",
				Result:    result,
			}, transport.TypeCommandResult)
		case transport.TypeAttendanceAck:
			var ack transport.AttendanceAck
			if err := json.Unmarshal(raw, &ack); err == nil {
				s.logger.Printf("scan ack: %s", ack.Message)
			}
		}
	}
}

// emitScan sends a fake fingerprint scan, or buffers it when disconnected.
func (s *simulator) emitScan() {
	rec := transport.OfflineRecord{
		Method:     "fingerprint",
		Identifier: "FP-001",
		Timestamp:  time.Now().Unix(),
	}
	frame := transport.AttendanceWS{
		DeviceID: *deviceID,
		Data: transport.ScanPayload{
			Method:     rec.Method,
			Identifier: rec.Identifier,
			Success:    true,
			Timestamp:  rec.Timestamp,
		},
	}
	if err := s.send(frame, transport.TypeAttendance); err != nil {
		s.logger.Println("offline, buffering scan")
		s.buffer(rec)
	}
}

// send marshals v, injects the frame type and writes it out.
func (s *simulator) send(v any, frameType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	m["type"] = frameType
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(m)
}

func (s *simulator) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *simulator) buffer(records ...transport.OfflineRecord) {
	s.mu.Lock()
	s.offline = append(s.offline, records...)
	s.mu.Unlock()
}

func (s *simulator) drainOffline() []transport.OfflineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.offline
	s.offline = nil
	return records
}
