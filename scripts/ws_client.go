// Package main runs a demo WebSocket client for run events:
//
//	IDS_ENABLED=true go run ./cmd/api &
//	go run ./scripts
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

const sampleSchedule = "TripID,MemberName,MobilityType,PickupAddress,DropoffAddress,PickupTime,Miles\n" +
	"T1,Ann,AMB,1 Main St,2 Oak Ave,09:00,10\n" +
	"T2,Bob,WC,3 Elm St,4 Pine Rd,10:30,6\n"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	opco, account := envOr("OPCO", "opco_demo"), envOr("ACCOUNT", "medicaid")

	hdr := http.Header{}
	hdr.Set("X-OpCo-Id", opco)
	hdr.Set("X-Funding-Account-Id", account)
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%s/v1/ids/events/ws", port), hdr)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	var ack event
	if err := conn.ReadJSON(&ack); err != nil {
		log.Fatal(err)
	}
	log.Printf("connected: %v", ack.Data)

	// Trigger a solve so there is something to stream.
	body, _ := json.Marshal(map[string]any{
		"serviceDate": time.Now().Format("2006-01-02"),
		"schedule":    sampleSchedule,
	})
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://localhost:%s/v1/ids/solve", port), bytes.NewReader(body))
	req.Header = hdr.Clone()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "dispatcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("solve: %s", resp.Status)

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var evt event
		if err := conn.ReadJSON(&evt); err != nil {
			log.Printf("stream closed: %v", err)
			return
		}
		out, _ := json.MarshalIndent(evt, "", "  ")
		fmt.Println(string(out))
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
