package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lansession/discovery"
	"lansession/session"
)

var (
	welcomeFlag     string
	instanceFlag    string
	joinTimeoutFlag time.Duration
)

func init() {
	hostCmd.Flags().StringVar(&welcomeFlag, "welcome", "", "Payload sent to every peer once its connection is ready")
	joinCmd.Flags().StringVar(&instanceFlag, "instance", "", "Join the peer with this instance name instead of the first one found")
	joinCmd.Flags().DurationVar(&joinTimeoutFlag, "timeout", 30*time.Second, "How long to browse for a peer before giving up")
}

// printConsumer writes every payload to out as one line.
type printConsumer struct {
	out    io.Writer
	prefix string
	config []byte
}

func (c *printConsumer) OnData(payload []byte) {
	fmt.Fprintf(c.out, "%s%s\n", c.prefix, payload)
}

func (c *printConsumer) ConfigurationPayload() []byte {
	return c.config
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Advertise a hosting session and broadcast stdin lines to joined peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		consumer := &printConsumer{out: cmd.OutOrStdout(), prefix: "< "}
		if welcomeFlag != "" {
			consumer.config = []byte(welcomeFlag)
		}

		a, err := newApp(ctx, consumer, nil)
		if err != nil {
			return err
		}
		defer a.close()

		server, err := a.manager.StartHostingSession(ctx, func() {
			if s := a.manager.Server(); s != nil {
				name, _ := s.SessionHostName()
				fmt.Fprintf(cmd.OutOrStdout(), "Hosting:         %s\n", name)
			}
		})
		if err != nil {
			return err
		}
		a.logger.WithFields(logrus.Fields{
			"address":      server.Addr().String(),
			"transport_id": a.transport.ID(),
		}).Info("lansession: hosting")

		lines := readLines(ctx, cmd.InOrStdin())
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				n := server.Broadcast([]byte(line))
				a.logger.WithField("peers", n).Debug("lansession: broadcast line")
			}
		}
	},
}

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Print the set of hosting sessions as it changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		a, err := newApp(ctx, nil, func(opts *session.ManagerOptions) {
			opts.OnDiscoveredChanged = func(peers []discovery.PeerDescriptor) {
				printPeers(out, peers)
			}
		})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.BeginDiscovery(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a hosting session, print its payloads and send stdin lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		found := make(chan struct{}, 1)
		a, err := newApp(ctx, nil, func(opts *session.ManagerOptions) {
			if instanceFlag != "" {
				opts.Selector = selectInstance(instanceFlag)
			}
			opts.OnDiscoveredChanged = func([]discovery.PeerDescriptor) {
				select {
				case found <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.BeginDiscovery(ctx); err != nil {
			return err
		}

		remote, err := waitAndConnect(ctx, a.manager, found, &printConsumer{out: out, prefix: "< "}, func(state session.RemoteState) {
			if state.Err != nil {
				fmt.Fprintf(out, "State:           %s (%v)\n", state.Sequence, state.Err)
				return
			}
			fmt.Fprintf(out, "State:           %s\n", state.Sequence)
		})
		if err != nil {
			return err
		}
		a.manager.EndDiscovery()
		fmt.Fprintf(out, "Joined:          %s\n", remote.Target().Endpoint)

		lines := readLines(ctx, cmd.InOrStdin())
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if err := remote.Send([]byte(line)); err != nil {
					if errors.Is(err, session.ErrSessionClosed) {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
				}
			}
		}
	},
}

func waitAndConnect(ctx context.Context, manager *session.Manager, found <-chan struct{}, consumer session.PayloadConsumer, onState func(session.RemoteState)) (*session.Remote, error) {
	timeout := time.NewTimer(joinTimeoutFlag)
	defer timeout.Stop()

	for {
		remote, err := manager.ConnectToFirstDiscovered(ctx, consumer, onState)
		if !errors.Is(err, session.ErrNoPeers) {
			return remote, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("no matching session found within %s: %w", joinTimeoutFlag, session.ErrNoPeers)
		case <-found:
		}
	}
}

func selectInstance(instance string) session.Selector {
	return func(peers []discovery.PeerDescriptor) (discovery.PeerDescriptor, bool) {
		for _, peer := range peers {
			if strings.EqualFold(peer.Endpoint.Instance, instance) {
				return peer, true
			}
		}
		return discovery.PeerDescriptor{}, false
	}
}

func printPeers(out io.Writer, peers []discovery.PeerDescriptor) {
	fmt.Fprintf(out, "Sessions:        %d\n", len(peers))
	for _, peer := range peers {
		address, err := peer.Address()
		if err != nil {
			address = "-"
		}
		fmt.Fprintf(out, "  %-32s %s\n", peer.Endpoint.Instance, address)
	}
}

// readLines streams non-empty lines from r until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

var _ session.PayloadConsumer = (*printConsumer)(nil)
