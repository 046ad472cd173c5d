// tpctl demonstrates the transport protocol over the in-memory loopback
// bus: it transmits a payload from one node and reassembles it on another.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/spf13/cobra"

	"github.com/open-agri/isobus/bus"
	"github.com/open-agri/isobus/can"
	"github.com/open-agri/isobus/config"
	"github.com/open-agri/isobus/logging"
	"github.com/open-agri/isobus/tp"
)

var (
	flagConfig  string
	flagPGN     uint32
	flagSource  uint8
	flagDest    uint8
	flagHex     bool
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "tpctl",
		Short:         "ISO 11783 transport protocol demo tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML configuration")

	send := &cobra.Command{
		Use:   "send <file>",
		Short: "Transmit a file across a loopback bus pair and print the reassembled result",
		Args:  cobra.ExactArgs(1),
		RunE:  runSend,
	}
	send.Flags().Uint32Var(&flagPGN, "pgn", 0xFEEC, "parameter group number of the message")
	send.Flags().Uint8Var(&flagSource, "source", 0x01, "source address")
	send.Flags().Uint8Var(&flagDest, "dest", can.GlobalAddress, "destination address (0xFF broadcasts via BAM)")
	send.Flags().BoolVar(&flagHex, "hex", false, "parse the file as Intel HEX and send each data segment")
	send.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "give up after this long")

	bench := &cobra.Command{
		Use:   "bench",
		Short: "Run five concurrent broadcast sessions over the loopback bus",
		Args:  cobra.NoArgs,
		RunE:  runBench,
	}
	bench.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "give up after this long")

	root.AddCommand(send, bench)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tpctl:", err)
		os.Exit(1)
	}
}

// loadPayloads returns the message payloads to transmit: the raw file, or
// the data segments of an Intel HEX image.
func loadPayloads(path string) ([][]byte, error) {
	if !flagHex {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("parse intel hex: %w", err)
	}
	var payloads [][]byte
	for _, segment := range mem.GetDataSegments() {
		payloads = append(payloads, segment.Data)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no data segments in %s", path)
	}
	return payloads, nil
}

type node struct {
	adapter *bus.Adapter
	manager *tp.Manager
}

// newLoopbackPair opens two nodes on a fresh loopback bus.
func newLoopbackPair(cfg *config.Config) (tx, rx *node, received chan can.Message, err error) {
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.Sugar()

	lb := bus.NewLoopbackBus()
	received = make(chan can.Message, 16)

	txAdapter := bus.NewAdapter(lb.Open(), log)
	tx = &node{
		adapter: txAdapter,
		manager: tp.NewManager(txAdapter.SendFrame, nil, &cfg.Network, log),
	}

	rxAdapter := bus.NewAdapter(lb.Open(), log)
	rx = &node{
		adapter: rxAdapter,
		manager: tp.NewManager(rxAdapter.SendFrame, func(message can.Message) {
			received <- message
		}, &cfg.Network, log),
	}
	return tx, rx, received, nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payloads, err := loadPayloads(args[0])
	if err != nil {
		return err
	}

	tx, rx, received, err := newLoopbackPair(cfg)
	if err != nil {
		return err
	}

	source := tx.adapter.ControlFunction(flagSource)
	destination := tx.adapter.ControlFunction(flagDest)

	deadline := time.Now().Add(flagTimeout)
	for _, payload := range payloads {
		done := false
		var txErr error
		err := tx.manager.TransmitMessage(flagPGN, payload, source, destination,
			func(pgn uint32, size uint16, _, _ *can.ControlFunction, successful bool, _ any) {
				done = true
				if !successful {
					txErr = fmt.Errorf("transmit of %d bytes for 0x%05X failed", size, pgn)
				}
			}, nil)
		if err != nil {
			return err
		}

		for !done {
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for transmit completion")
			}
			tx.manager.Update()
			rx.adapter.Poll(rx.manager)
			rx.manager.Update()
			tx.adapter.Poll(tx.manager)
			time.Sleep(2 * time.Millisecond)
		}
		if txErr != nil {
			return txErr
		}

		select {
		case message := <-received:
			fmt.Printf("reassembled %d bytes on PGN 0x%05X from address %d\n",
				message.Len(), message.PGN, message.Source.Address())
		case <-time.After(time.Second):
			return fmt.Errorf("transmit completed but no message was delivered")
		}
	}
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	const sessions = 5
	if cfg.Network.MaxTransportProtocolSessions < sessions {
		cfg.Network.MaxTransportProtocolSessions = sessions
	}

	tx, rx, received, err := newLoopbackPair(cfg)
	if err != nil {
		return err
	}

	for i := 0; i < sessions; i++ {
		payload := make([]byte, 9+i*100)
		for j := range payload {
			payload[j] = byte(i)
		}
		source := tx.adapter.ControlFunction(uint8(0x10 + i))
		if err := tx.manager.TransmitMessage(0xFE00+uint32(i), payload, source, nil, nil, nil); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(flagTimeout)
	delivered := 0
	for delivered < sessions {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out: %d of %d broadcasts delivered", delivered, sessions)
		}
		tx.manager.Update()
		rx.adapter.Poll(rx.manager)
		rx.manager.Update()
		for {
			select {
			case message := <-received:
				delivered++
				fmt.Printf("broadcast %d: %d bytes on PGN 0x%05X\n", delivered, message.Len(), message.PGN)
				continue
			default:
			}
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}
