package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/5l1v3r1/puffer/internal"
)

const (
	appName = "mediaclient"
)

var usg = `%s is a headless client for the media server. It connects over
WebSocket, binds to a channel, consumes audio and video segments, and
periodically reports a synthetic playback buffer level.

Usage of %s:
`

type options struct {
	addr     string
	channel  string
	duration int
	version  bool
}

func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, usg, appName, appName)
		fmt.Fprintf(os.Stderr, "%s [options]\n\noptions:\n", appName)
		fs.PrintDefaults()
	}

	opts := options{}
	fs.StringVar(&opts.addr, "addr", "localhost:8080", "server address")
	fs.StringVar(&opts.channel, "channel", "", "channel to play (default: first advertised)")
	fs.IntVar(&opts.duration, "duration", 0, "Duration of session in seconds (0 means unlimited)")
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	err := fs.Parse(args[1:])
	return &opts, err
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	opts, err := parseOptions(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("%s %s\n", appName, internal.GetVersion())
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.duration > 0 {
		tctx, tcancel := context.WithTimeout(ctx, time.Duration(opts.duration)*time.Second)
		defer tcancel()
		ctx = tctx
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	u := url.URL{Scheme: "ws", Host: opts.addr, Path: "/ws"}
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer sock.Close()
	go func() {
		<-ctx.Done()
		_ = sock.Close()
	}()

	p := &player{sock: sock, channel: opts.channel}
	if err := p.play(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// player consumes one channel and tracks how much media it has
// received relative to wallclock, which stands in for a playback
// buffer.
type player struct {
	sock      *websocket.Conn
	channel   string
	timescale uint64

	videoTicks uint64
	audioTicks uint64
	started    time.Time
}

func (p *player) play(ctx context.Context) error {
	reportTicker := time.NewTicker(time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-reportTicker.C:
			if err := p.reportBuffer(); err != nil {
				return err
			}
		default:
		}
		_, data, err := p.sock.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := internal.DecodeServerMessage(data)
		if err != nil {
			return err
		}
		switch {
		case msg.Hello != nil:
			fmt.Printf("channels: %v\n", msg.Hello.Channels)
			if p.channel == "" {
				if len(msg.Hello.Channels) == 0 {
					return fmt.Errorf("server advertises no channels")
				}
				p.channel = msg.Hello.Channels[0]
			}
			init, err := internal.MakeClientInit(p.channel)
			if err != nil {
				return err
			}
			if err := p.sock.WriteMessage(websocket.BinaryMessage, init); err != nil {
				return fmt.Errorf("send client-init: %w", err)
			}
		case msg.Init != nil:
			fmt.Printf("playing %s: video %s audio %s timescale %d from %d\n",
				msg.Init.Channel, msg.Init.VideoCodec, msg.Init.AudioCodec,
				msg.Init.Timescale, msg.Init.InitTimestamp)
			p.timescale = msg.Init.Timescale
			p.started = time.Now()
			p.videoTicks = 0
			p.audioTicks = 0
		case msg.Media != nil:
			fmt.Printf("%s %s @%d (%d bytes)\n",
				msg.Media.Type, msg.Media.Quality, msg.Media.Timestamp, len(msg.Payload))
			if msg.Media.Type == internal.MsgVideo {
				p.videoTicks += msg.Media.Duration
			} else {
				p.audioTicks += msg.Media.Duration
			}
		}
	}
}

func (p *player) reportBuffer() error {
	if p.timescale == 0 {
		return nil
	}
	elapsed := time.Since(p.started).Seconds()
	videoBuf := float64(p.videoTicks)/float64(p.timescale) - elapsed
	audioBuf := float64(p.audioTicks)/float64(p.timescale) - elapsed
	if videoBuf < 0 {
		videoBuf = 0
	}
	if audioBuf < 0 {
		audioBuf = 0
	}
	info, err := internal.MakeClientInfo(videoBuf, audioBuf)
	if err != nil {
		return err
	}
	if err := p.sock.WriteMessage(websocket.BinaryMessage, info); err != nil {
		return fmt.Errorf("send client-info: %w", err)
	}
	return nil
}
