package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/termlink/broker/pkg/client"
)

// Demo against a local broker: pair an echo runner with an app and
// push one frame through the bridge. Needs the broker running in dev
// mode on localhost:8080.
func main() {
	fmt.Println("🖥️  Termlink Session Demo")

	fmt.Println("📡 Minting a dev app token...")
	token := devToken("demo-app")

	var runner *client.Runner
	runner = client.NewRunner(client.RunnerConfig{
		BrokerURL: "ws://localhost:8080/ws",
		RunnerID:  "demo-runner",
		Secret:    "termlink-dev-runner-secret",
		OnInput: func(sessionID string, data []byte) {
			fmt.Printf("⌨️  Runner received: %q\n", data)
			runner.SendOutput(sessionID, append([]byte("echo: "), data...))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runner.Connect(ctx); err != nil {
		log.Fatalf("❌ Runner register failed: %v", err)
	}
	defer runner.Close()
	fmt.Printf("🔑 Pairing code: %s\n", runner.Code())

	output := make(chan []byte, 1)
	app := client.NewApp(client.AppConfig{
		BrokerURL: "ws://localhost:8080/ws",
		Token:     token,
		OnOutput: func(sessionID string, data []byte) {
			output <- data
		},
	})
	if err := app.Connect(ctx); err != nil {
		log.Fatalf("❌ App connect failed: %v", err)
	}
	defer app.Close()

	res, err := app.Pair(ctx, runner.Code())
	if err != nil {
		log.Fatalf("❌ Pair failed: %v", err)
	}
	fmt.Printf("🤝 Paired with %s\n", res.RunnerID)

	sessionID, err := app.ConnectRunner(ctx, res.RunnerID, "")
	if err != nil {
		log.Fatalf("❌ Session open failed: %v", err)
	}

	app.SendInput(sessionID, []byte("hello"))
	select {
	case data := <-output:
		fmt.Printf("📺 App received: %q\n", data)
	case <-time.After(5 * time.Second):
		log.Fatal("❌ No output within 5s")
	}

	if _, err := app.Unpair(ctx); err != nil {
		log.Fatalf("❌ Unpair failed: %v", err)
	}
	fmt.Println("✅ Round trip complete, unpaired.")
}

func devToken(appID string) string {
	body, _ := json.Marshal(map[string]string{"app_id": appID})
	resp, err := http.Post("http://localhost:8080/api/v1/dev/token", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("❌ Token request failed: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("❌ Bad token response: %v", err)
	}
	return out.Token
}
