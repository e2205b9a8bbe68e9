/*
 * Copyright 2023 The jmpapi authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------
// handler

// websocketHandler upgrades the connection per RFC 6455 and serves
// time-series subscriptions over it. The client sends JSON messages
// `{"subscribe": name}` and `{"unsubscribe": name}`; each new sample of
// a subscribed series is pushed as `{"timeseries", "time", "value"}`.
type websocketHandler struct {
	ld     *loader
	api    *API
	logger zerolog.Logger
}

func newWebsocketHandler(ld *loader, api *API) *websocketHandler {
	return &websocketHandler{ld: ld, api: api, logger: ld.logger}
}

func (h *websocketHandler) Handle(req *httpd.Request) (bool, error) {
	if req.Method != httpd.MethodGet {
		return true, req.SendError(httpd.Errorf(httpd.KindUnsupportedMethod,
			"websocket upgrade requires GET"))
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") ||
		!headerHasToken(req.Header.Get("Connection"), "upgrade") {
		return true, req.SendError(httpd.Errorf(httpd.KindValidation,
			"not a websocket upgrade request"))
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return true, req.SendError(httpd.Errorf(httpd.KindValidation,
			"unsupported websocket version %q", v))
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return true, req.SendError(httpd.Errorf(httpd.KindValidation,
			"missing Sec-WebSocket-Key"))
	}

	nc, rw, err := req.Hijack()
	if err != nil {
		return true, req.SendError(err)
	}
	fmt.Fprintf(rw, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n", wsAccept(key))
	if err := rw.Flush(); err != nil {
		nc.Close()
		return true, nil
	}

	go h.serve(&wsConn{nc: nc, rw: rw})
	return true, nil
}

func headerHasToken(value, token string) bool {
	for _, t := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

// wsAccept computes the Sec-WebSocket-Accept value for a client key.
func wsAccept(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, "258EAFA5-E914-47DA-95CA-C5AB0DC85B11")
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

//------------------------------------------------------------------------------
// subscription session

type wsRequest struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

type wsSub struct {
	series *tsSeries
	ch     chan tsEntry
	done   chan struct{}
}

func (h *websocketHandler) serve(c *wsConn) {
	subs := make(map[string]*wsSub)
	defer func() {
		for _, sub := range subs {
			close(sub.done)
			sub.series.Unsubscribe(sub.ch)
		}
		c.nc.Close()
	}()

	for {
		op, data, err := c.readMessage()
		if err != nil {
			return
		}
		if op != wsOpText {
			c.writeClose(1003, "expected a text message")
			return
		}
		var msg wsRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			c.writeJSON(map[string]string{"error": "invalid message"})
			continue
		}

		switch {
		case msg.Subscribe != "":
			name := msg.Subscribe
			if _, ok := subs[name]; ok {
				continue
			}
			if h.ld.ts == nil {
				c.writeJSON(map[string]string{"error": "no timeseries configured"})
				continue
			}
			series, err := h.ld.ts.ensure(h.ld, h.api, name)
			if err != nil {
				c.writeJSON(map[string]string{
					"error": fmt.Sprintf("unknown timeseries %q", name)})
				continue
			}
			sub := &wsSub{series: series, ch: series.Subscribe(),
				done: make(chan struct{})}
			subs[name] = sub
			go h.pump(c, name, sub)

		case msg.Unsubscribe != "":
			if sub, ok := subs[msg.Unsubscribe]; ok {
				close(sub.done)
				sub.series.Unsubscribe(sub.ch)
				delete(subs, msg.Unsubscribe)
			}

		default:
			c.writeJSON(map[string]string{"error": "expected subscribe or unsubscribe"})
		}
	}
}

// pump forwards samples of one subscription to the client.
func (h *websocketHandler) pump(c *wsConn, name string, sub *wsSub) {
	for {
		select {
		case <-sub.done:
			return
		case entry := <-sub.ch:
			d := httpd.NewDict()
			d.Set("timeseries", name)
			d.Set("time", entry.Time.UTC().Format(time.RFC3339))
			d.Set("value", entry.Value)
			if err := c.writeJSON(d); err != nil {
				return
			}
		}
	}
}

//------------------------------------------------------------------------------
// frame codec

const (
	wsOpCont  = 0x0
	wsOpText  = 0x1
	wsOpBin   = 0x2
	wsOpClose = 0x8
	wsOpPing  = 0x9
	wsOpPong  = 0xa
)

const wsMaxMessage = 1 << 20

// wsConn is one upgraded connection. Reads happen on the session
// goroutine only; writes are serialized by the mutex because pump
// goroutines write concurrently.
type wsConn struct {
	nc  net.Conn
	rw  *bufio.ReadWriter
	wmu sync.Mutex
}

// readMessage reads the next data message, reassembling fragments and
// answering control frames inline.
func (c *wsConn) readMessage() (op byte, data []byte, err error) {
	for {
		fop, fin, payload, err := c.readFrame()
		if err != nil {
			return 0, nil, err
		}
		switch fop {
		case wsOpPing:
			if err := c.write(wsOpPong, payload); err != nil {
				return 0, nil, err
			}
			continue
		case wsOpPong:
			continue
		case wsOpClose:
			c.write(wsOpClose, payload)
			return 0, nil, io.EOF
		case wsOpCont:
			if op == 0 {
				return 0, nil, fmt.Errorf("continuation without a message")
			}
		case wsOpText, wsOpBin:
			if op != 0 {
				return 0, nil, fmt.Errorf("fragment interleaving")
			}
			op = fop
		default:
			return 0, nil, fmt.Errorf("reserved opcode %#x", fop)
		}
		data = append(data, payload...)
		if len(data) > wsMaxMessage {
			c.writeClose(1009, "message too big")
			return 0, nil, fmt.Errorf("message exceeds %d bytes", wsMaxMessage)
		}
		if fin {
			return op, data, nil
		}
	}
}

// readFrame reads one frame. Client frames must be masked.
func (c *wsConn) readFrame() (op byte, fin bool, payload []byte, err error) {
	var hdr [2]byte
	if _, err = io.ReadFull(c.rw, hdr[:]); err != nil {
		return
	}
	fin = hdr[0]&0x80 != 0
	if hdr[0]&0x70 != 0 {
		return 0, false, nil, fmt.Errorf("nonzero reserved bits")
	}
	op = hdr[0] & 0x0f
	masked := hdr[1]&0x80 != 0
	if !masked {
		return 0, false, nil, fmt.Errorf("unmasked client frame")
	}

	length := uint64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(c.rw, ext[:]); err != nil {
			return
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(c.rw, ext[:]); err != nil {
			return
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > wsMaxMessage {
		return 0, false, nil, fmt.Errorf("frame exceeds %d bytes", wsMaxMessage)
	}

	var mask [4]byte
	if _, err = io.ReadFull(c.rw, mask[:]); err != nil {
		return
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(c.rw, payload); err != nil {
		return
	}
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
	return
}

// write sends one unfragmented, unmasked frame.
func (c *wsConn) write(op byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [10]byte
	hdr[0] = 0x80 | op
	n := 2
	switch {
	case len(payload) < 126:
		hdr[1] = byte(len(payload))
	case len(payload) < 1<<16:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(payload)))
		n = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(len(payload)))
		n = 10
	}
	if _, err := c.rw.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := c.rw.Write(payload); err != nil {
		return err
	}
	return c.rw.Flush()
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(wsOpText, data)
}

func (c *wsConn) writeClose(code uint16, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return c.write(wsOpClose, payload)
}
