// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// connectTimeout bounds every test connection attempt.
const connectTimeout = 5 * time.Second

// testServer is a loopback SSH server handling exec requests with
// /bin/sh and the sftp subsystem with the pkg/sftp server. It gives
// the connection layer tests a real transport without external
// dependencies.
type testServer struct {
	address    string
	port       int
	hostSigner ssh.Signer
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("building signer: %v", err)
	}
	return signer
}

// startTestServer launches the loopback server accepting the given
// client key. It shuts down when the test finishes.
func startTestServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()

	hostSigner := newSigner(t)
	authorizedKey := string(ssh.MarshalAuthorizedKey(clientKey))

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(ssh.MarshalAuthorizedKey(key)) == authorizedKey {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unauthorized key for %s", conn.User())
		},
	}
	serverConfig.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConnection(netConn, serverConfig)
		}
	}()

	tcpAddr := listener.Addr().(*net.TCPAddr)
	return &testServer{
		address:    "127.0.0.1",
		port:       tcpAddr.Port,
		hostSigner: hostSigner,
	}
}

func serveConnection(netConn net.Conn, config *ssh.ServerConfig) {
	serverConn, channels, requests, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, channelRequests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for request := range requests {
		switch request.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(request.Payload, &payload); err != nil {
				request.Reply(false, nil)
				continue
			}
			request.Reply(true, nil)
			runExec(channel, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(request.Payload, &payload); err != nil || payload.Name != "sftp" {
				request.Reply(false, nil)
				continue
			}
			request.Reply(true, nil)
			if server, err := sftp.NewServer(channel); err == nil {
				server.Serve()
				server.Close()
			}
			return
		default:
			request.Reply(false, nil)
		}
	}
}

func runExec(channel ssh.Channel, command string) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = channel
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 127
		}
	}

	status := struct{ Status uint32 }{uint32(exitCode)}
	channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// connectOptions builds Options targeting the test server with the
// given signer. Host identity verification is disabled unless a test
// overrides KnownHostsFile.
func (s *testServer) connectOptions(signer ssh.Signer) Options {
	return Options{
		Host:           s.address,
		Port:           s.port,
		User:           "tester",
		Signer:         signer,
		ConnectTimeout: connectTimeout,
	}
}

// mustConnect opens a connection to the test server or fails the test.
func (s *testServer) mustConnect(t *testing.T, signer ssh.Signer) *Connection {
	t.Helper()
	conn, err := Connect(s.connectOptions(signer))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
