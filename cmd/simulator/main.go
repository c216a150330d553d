// Command simulator stands in for a telephony switch's media leg: it opens
// the host's microphone/speaker via malgo, connects to the Switch Adapter's
// WebSocket endpoint, and pumps 20ms linear16 PCM frames in both directions
// exactly the way a real switch would, so the call engine can be exercised
// end to end without an actual telephony carrier.
//
// Adapted from the teacher's cmd/agent/main.go device-duplex loop: the
// malgo device setup, RMS meter goroutine and signal-driven shutdown are
// carried over nearly verbatim, but the far end is now a network
// WebSocket connection to the Switch Adapter rather than an in-process
// orchestrator — this binary plays the part of the phone, not the agent.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
)

const (
	sampleRate = 8000
	frameBytes = 320 // 160 samples * 2 bytes, 20ms @ 8kHz mono linear16
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "base URL of the agentd Switch Adapter")
	apiBase := flag.String("api", "http://localhost:8080", "base URL of the agentd Control API")
	number := flag.String("number", "+15550001234", "number to dial when -call-id is not given")
	promptID := flag.String("prompt-id", "", "prompt_id to pass when dialing a fresh call")
	callID := flag.String("call-id", "", "existing call_id to attach to; dials a new call when empty")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nsimulator: shutting down...")
		cancel()
	}()

	id := *callID
	if id == "" {
		dialed, err := dial(ctx, *apiBase, *number, *promptID)
		if err != nil {
			log.Fatalf("simulator: dial: %v", err)
		}
		id = dialed
		fmt.Printf("simulator: dialed call_id=%s\n", id)
	}

	u := *server + "/ws/" + id
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		log.Fatalf("simulator: ws dial %s: %v", u, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var rmsMu sync.Mutex
	lastRMS := 0.0

	captured := make(chan []byte, 64)

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			var sum float64
			for i := 0; i < len(pInput)-1; i += 2 {
				sample := int16(pInput[i]) | (int16(pInput[i+1]) << 8)
				f := float64(sample) / 32768.0
				sum += f * f
			}
			rms := math.Sqrt(sum / float64(len(pInput)/2))
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			frame := make([]byte, len(pInput))
			copy(frame, pInput)
			select {
			case captured <- frame:
			default:
				// drop on backpressure, matching the adapter's own policy
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC %-40s] rms=%.5f", meter, level)
		}
	}()

	go readLoop(ctx, conn, &playbackMu, &playbackBytes)
	writeLoop(ctx, conn, captured)

	fmt.Println("\nsimulator: call ended")
}

// writeLoop paces captured mic frames onto the socket at the telephony
// 20ms cadence, the same cadence the Switch Adapter expects on read.
func writeLoop(ctx context.Context, conn *websocket.Conn, captured <-chan []byte) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, 0, frameBytes*4)
	for {
		select {
		case <-ctx.Done():
			sendHangup(conn)
			return
		case chunk := <-captured:
			buf = append(buf, chunk...)
		case <-ticker.C:
			for len(buf) >= frameBytes {
				frame := buf[:frameBytes]
				if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
					return
				}
				buf = buf[frameBytes:]
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, playbackMu *sync.Mutex, playbackBytes *[]byte) {
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			playbackMu.Lock()
			*playbackBytes = append(*playbackBytes, payload...)
			playbackMu.Unlock()
		case websocket.MessageText:
			var cf struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(payload, &cf) == nil && cf.Type == "hangup" {
				return
			}
		}
	}
}

func sendHangup(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	body, _ := json.Marshal(map[string]string{"type": "hangup"})
	_ = conn.Write(ctx, websocket.MessageText, body)
}

type dialResponse struct {
	CallID string `json:"call_id"`
}

func dial(ctx context.Context, apiBase, number, promptID string) (string, error) {
	body := map[string]string{"number": number}
	if promptID != "" {
		body["prompt_id"] = promptID
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	u, err := url.JoinPath(apiBase, "calls", "dial")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("dial: unexpected status %d", resp.StatusCode)
	}

	var dr dialResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", err
	}
	return dr.CallID, nil
}
