// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

// passwordEnvVar lets scripted monitors skip the interactive prompt.
const passwordEnvVar = "CANMASTER_PASSWORD"

// dialOperator opens the operator websocket of a running daemon. A
// non-empty username triggers basic auth with the given password.
func dialOperator(addr, username, password string, insecure bool) (*websocket.Conn, error) {
	scheme := "ws"
	if strings.HasPrefix(addr, "wss://") || strings.HasPrefix(addr, "https://") {
		scheme = "wss"
	}
	host := addr
	for _, p := range []string{"ws://", "wss://", "http://", "https://"} {
		host = strings.TrimPrefix(host, p)
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, host)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if scheme == "wss" && insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		header.Set("Authorization", "Basic "+cred)
	}

	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func getPassword() (string, error) {
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err == nil {
		return string(raw), nil
	}
	// Not a terminal; fall back to reading a line from stdin.
	line, rerr := bufio.NewReader(os.Stdin).ReadString('\n')
	if rerr != nil {
		return "", fmt.Errorf("read password: %w", rerr)
	}
	return strings.TrimSpace(line), nil
}
