// Command campusctl sends one request to a campus server and prints the
// response as JSON.
//
//	campusctl -addr localhost:9000 -user s1 -password pw -uri card/student -p action=GET_BALANCE
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/campusrpc/logger"
	"github.com/cyberinferno/campusrpc/protocol"
	"github.com/cyberinferno/campusrpc/rpcclient"
)

// paramsFlag collects repeated -p key=value flags.
type paramsFlag map[string]string

func (p paramsFlag) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p paramsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}

	p[strings.TrimSpace(k)] = v
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	params := paramsFlag{}
	addr := flag.String("addr", "localhost:9000", "server address")
	uri := flag.String("uri", "system/ping", "request uri")
	user := flag.String("user", "", "log in as this user first")
	password := flag.String("password", "", "password for -user")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	verbose := flag.Bool("v", false, "log client events to stderr")
	flag.Var(params, "p", "request parameter key=value (repeatable)")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := logger.NewConsoleLogger(os.Stderr, "campusctl", level)
	defer log.Close()

	cfg := rpcclient.DefaultConfig(*addr)
	cfg.DefaultTimeout = *timeout
	cfg.ConnectionTimeout = *timeout
	client := rpcclient.New(cfg, log)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "campusctl:", err)
		return 1
	}

	if *user != "" {
		resp, err := client.Do(ctx, "auth/login", map[string]string{"userId": *user, "password": *password})
		if err != nil {
			fmt.Fprintln(os.Stderr, "campusctl: login:", err)
			return 1
		}
		if !resp.IsSuccess() {
			printResponse(resp)
			return 2
		}
	}

	resp, err := client.Do(ctx, *uri, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "campusctl:", err)
		return 1
	}

	printResponse(resp)
	if !resp.IsSuccess() {
		return 2
	}

	return 0
}

func printResponse(resp *protocol.Response) {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "campusctl:", err)
		return
	}

	fmt.Println(string(out))
}
