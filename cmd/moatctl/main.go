// moatctl is an interactive host-side tool for talking to a MoaT gateway
// over the serial framer, the way gopper-host talks to a Klipper MCU.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"moatbus/host/serialport"
	"moatbus/message"
	"moatbus/serial"
)

// syncFramer guards a *serial.Framer shared between the REPL goroutine
// (Enqueue/Next/EnqueueAck) and readLoop's goroutine (Feed/Tick), the way
// the teacher's host-side transport guards its shared state with a mutex
// (protocol/transport_host.go).
type syncFramer struct {
	mu sync.Mutex
	f  *serial.Framer
}

func (s *syncFramer) Enqueue(priority int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Enqueue(priority, payload)
}

func (s *syncFramer) EnqueueAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.EnqueueAck()
}

func (s *syncFramer) Next(dst []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Next(dst)
}

func (s *syncFramer) Feed(data []byte) []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Feed(data)
}

func (s *syncFramer) Tick(elapsed uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Tick(elapsed)
}

func (s *syncFramer) stats() serial.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Stats
}

func main() {
	deviceFlag := "/dev/ttyACM0"
	baudFlag := 115200
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "-device":
			if i+1 < len(os.Args) {
				i++
				deviceFlag = os.Args[i]
			}
		case "-baud":
			if i+1 < len(os.Args) {
				i++
				if b, err := strconv.Atoi(os.Args[i]); err == nil {
					baudFlag = b
				}
			}
		}
	}

	fmt.Println("moatctl - MoaT gateway serial console")
	fmt.Println("======================================")

	cfg := serialport.DefaultConfig(deviceFlag)
	cfg.Baud = baudFlag

	fmt.Printf("Connecting to gateway on %s (baud %d)...\n", deviceFlag, baudFlag)
	port, err := serialport.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()
	fmt.Println("Connected.")

	framer := &syncFramer{f: serial.NewFramer(256, 500)}
	go readLoop(port, framer)

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "quit", "exit", "q":
			fmt.Println("Goodbye!")
			return

		case "help", "?":
			printHelp()

		case "send":
			if len(parts) < 2 {
				fmt.Println("usage: send <hex-payload> [priority]")
				continue
			}
			if err := sendHex(framer, port, parts[1], parts[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}

		case "ack":
			framer.EnqueueAck()
			flush(framer, port)

		case "stats":
			printStats(framer)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", cmd)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  send <hex> [prio]  - Enqueue a message (priority 1-4, default 1)")
	fmt.Println("  ack                - Send a bare ACK byte")
	fmt.Println("  stats              - Print framer statistics")
	fmt.Println("  quit/exit/q        - Exit the program")
	fmt.Println()
}

func sendHex(framer *syncFramer, port serialport.Port, hexStr string, rest []string) error {
	payload, err := hex.DecodeString(hexStr)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	prio := serial.PriorityHighest
	if len(rest) > 0 {
		if p, err := strconv.Atoi(rest[0]); err == nil {
			prio = p
		}
	}
	if err := framer.Enqueue(prio, payload); err != nil {
		return err
	}
	flush(framer, port)
	fmt.Printf("Enqueued %d bytes at priority %d\n", len(payload), prio)
	return nil
}

func flush(framer *syncFramer, port serialport.Port) {
	for {
		buf, ok := framer.Next(nil)
		if !ok {
			return
		}
		if _, err := port.Write(buf); err != nil {
			fmt.Fprintf(os.Stderr, "Error: write failed: %v\n", err)
			return
		}
	}
}

func printStats(framer *syncFramer) {
	s := framer.stats()
	fmt.Printf("overflow=%d lost=%d spurious=%d err_crc=%d ack_in=%d ack_out=%d\n",
		s.Overflow, s.Lost, s.Spurious, s.ErrCRC, s.AckIn, s.AckOut)
}

func readLoop(port serialport.Port, framer *syncFramer) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n == 0 {
			framer.Tick(50)
			continue
		}
		for _, msg := range framer.Feed(buf[:n]) {
			fmt.Printf("\nrecv prio=%d data=%x\n> ", msg.Prio, msg.Bytes())
		}
	}
}
