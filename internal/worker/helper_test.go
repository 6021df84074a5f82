package worker_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aelexs/rag-gateway/pkg/protocol"
)

// runHelper is the body of the fake chat worker. The test binary re-executes
// itself with GO_WANT_HELPER_PROCESS=1 to play the worker's part of the
// stdio protocol without needing a Python interpreter.
func runHelper(mode string) int {
	fmt.Println("Initialising RAG system...")

	switch mode {
	case "never-ready":
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "crash":
		fmt.Fprintln(os.Stderr, "RAG_READY")
		time.Sleep(20 * time.Millisecond)
		return 2
	case "stdout-ready":
		fmt.Println("RAG_READY")
	default:
		fmt.Fprintln(os.Stderr, "RAG_READY")
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			fmt.Println(`{"error":"bad request"}`)
			continue
		}

		switch req.Message {
		case "exit":
			return 3
		case "silent":
			continue
		case "big":
			fmt.Println(strings.Repeat("x", 4096))
		case "huge":
			huge := map[string]string{"response": strings.Repeat("x", 4096)}
			if mode != "no-id" {
				huge["request_id"] = req.ID
			}
			b, _ := json.Marshal(huge)
			fmt.Println(string(b))
			continue
		}

		fmt.Println("thinking...")
		reply := map[string]string{"response": "echo: " + req.Message}
		if mode != "no-id" {
			reply["request_id"] = req.ID
		}
		b, _ := json.Marshal(reply)
		fmt.Println(string(b))
	}
	return 0
}
