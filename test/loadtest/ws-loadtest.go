// WebSocket load testing tool for the dashsync hub.
// Usage: go run test/loadtest/ws-loadtest.go -url ws://127.0.0.1:8090/socket -conns 100 -duration 60s
//
// Each connection authenticates as its own user (the hub must run with an
// empty hub.users map, or pass -token to share one credential), joins one
// room and posts chat messages to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/dashsync/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8090/socket", "Hub socket URL")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	rooms := flag.Int("rooms", 1, "Number of group rooms to spread connections over")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Message send interval per connection")
	token := flag.String("token", "", "Shared credential (default: one user per connection)")
	flag.Parse()

	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("dashsync Hub Load Test\n")
	fmt.Printf("  URL:          %s\n", *url)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Rooms:        %d\n", *rooms)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		sent         atomic.Int64
		received     atomic.Int64
		latencySum   atomic.Int64 // microseconds, own messages only
		latencyCount atomic.Int64
		errors       atomic.Int64
		connectFails atomic.Int64
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			cred := *token
			if cred == "" {
				cred = fmt.Sprintf("load-%d", id)
			}
			c, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": {"Bearer " + cred}},
			})
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			room := protocol.Room{Type: protocol.RoomGroup, ID: fmt.Sprintf("load-%d", id%*rooms)}
			join, _ := protocol.Encode(protocol.EventJoinRoom, room)
			if err := c.Write(ctx, websocket.MessageText, join); err != nil {
				errors.Add(1)
				return
			}

			// Read goroutine
			go func() {
				for {
					_, frame, err := c.Read(ctx)
					if err != nil {
						return
					}
					env, err := protocol.Decode(frame, protocol.IsInbound)
					if err != nil || env.Event != protocol.EventNewGroupMessage {
						continue
					}
					received.Add(1)
					msg, err := protocol.DecodeData[protocol.ChatMessage](env)
					if err != nil {
						continue
					}
					var sentAt time.Time
					if sentAt.UnmarshalText([]byte(msg.Message)) == nil && msg.SenderID == cred {
						latencySum.Add(time.Since(sentAt).Microseconds())
						latencyCount.Add(1)
					}
				}
			}()

			// Write loop
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stamp, _ := time.Now().MarshalText()
					frame, _ := protocol.Encode(protocol.EventSendGroupMessage, protocol.SendGroupMessage{
						GroupID: room.ID,
						Message: string(stamp),
					})
					if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
						errors.Add(1)
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	// Progress reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d sent=%d recv=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), sent.Load(), received.Load(), errors.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Messages sent:   %d\n", sent.Load())
	fmt.Printf("  Fan-out recv:    %d\n", received.Load())
	fmt.Printf("  Errors:          %d\n", errors.Load())
	if n := latencyCount.Load(); n > 0 {
		fmt.Printf("  Echo latency:    %s avg\n", (time.Duration(latencySum.Load()/n) * time.Microsecond).String())
	}
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
		fmt.Printf("  Recv rate:       %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
