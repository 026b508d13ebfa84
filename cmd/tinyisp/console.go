package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/isp"
	"github.com/jannickheisch/tinyISP/repo"
)

// backend is the part of the node the console drives.
type backend interface {
	Identity() types.FeedID
	Publish(content []byte) (repo.Appended, error)
	Onboard(provider types.FeedID) (types.ContractID, error)
	Subscribe(id types.ContractID, target types.FeedID) error
	Respond(id types.ContractID, from types.FeedID, accept bool) error
	Send(id types.ContractID, content []byte) error
	SendC2C(id types.ContractID, peer types.FeedID, content []byte) error
	Farewell(id types.ContractID) error
	DeleteContract(id types.ContractID) error
	Contracts() []isp.Info
}

var errUsage = errors.New("usage")

type command struct {
	usage string
	args  int
	// rest joins the words after args into one trailing argument.
	rest bool
	run  func(c *console, args []string) error
}

var commands = map[string]command{
	"id": {usage: "id", run: func(c *console, _ []string) error {
		c.printf("%s\n", c.node.Identity())
		return nil
	}},
	"pub": {usage: "pub <text>", rest: true, run: func(c *console, args []string) error {
		res, err := c.node.Publish([]byte(args[0]))
		if err != nil {
			return err
		}
		c.printf("published seq %d\n", res.Seq)
		return nil
	}},
	"onboard": {usage: "onboard <provider>", args: 1, run: func(c *console, args []string) error {
		provider, err := types.ParseFeedID(args[0])
		if err != nil {
			return err
		}
		id, err := c.node.Onboard(provider)
		if err != nil {
			return err
		}
		c.printf("requested contract %s\n", id)
		return nil
	}},
	"contracts": {usage: "contracts", run: func(c *console, _ []string) error {
		for _, info := range c.node.Contracts() {
			c.printf("%s %s peer=%s state=%s", info.ID, info.Role, info.Peer.ShortString(), info.State)
			if info.Suspended {
				c.printf(" suspended backlog=%d", info.Backlog)
			}
			if info.Fault != "" {
				c.printf(" fault=%q", info.Fault)
			}
			c.printf("\n")
			for _, sub := range info.Subscriptions {
				c.printf("  c2c peer=%s established=%t\n", sub.Peer.ShortString(), !sub.Remote.IsZero())
			}
			for _, req := range info.Received {
				c.printf("  request from=%s\n", req.From)
			}
		}
		return nil
	}},
	"subscribe": {usage: "subscribe <contract> <peer>", args: 2, run: func(c *console, args []string) error {
		id, peer, err := contractAndPeer(args)
		if err != nil {
			return err
		}
		return c.node.Subscribe(id, peer)
	}},
	"accept": {usage: "accept <contract> <peer>", args: 2, run: func(c *console, args []string) error {
		return respond(c, args, true)
	}},
	"reject": {usage: "reject <contract> <peer>", args: 2, run: func(c *console, args []string) error {
		return respond(c, args, false)
	}},
	"send": {usage: "send <contract> <text>", args: 1, rest: true, run: func(c *console, args []string) error {
		id, err := types.ParseContractID(args[0])
		if err != nil {
			return err
		}
		return c.node.Send(id, []byte(args[1]))
	}},
	"c2c": {usage: "c2c <contract> <peer> <text>", args: 2, rest: true, run: func(c *console, args []string) error {
		id, peer, err := contractAndPeer(args)
		if err != nil {
			return err
		}
		return c.node.SendC2C(id, peer, []byte(args[2]))
	}},
	"farewell": {usage: "farewell <contract>", args: 1, run: func(c *console, args []string) error {
		id, err := types.ParseContractID(args[0])
		if err != nil {
			return err
		}
		return c.node.Farewell(id)
	}},
	"delete": {usage: "delete <contract>", args: 1, run: func(c *console, args []string) error {
		id, err := types.ParseContractID(args[0])
		if err != nil {
			return err
		}
		return c.node.DeleteContract(id)
	}},
}

func contractAndPeer(args []string) (types.ContractID, types.FeedID, error) {
	id, err := types.ParseContractID(args[0])
	if err != nil {
		return id, types.FeedID{}, err
	}
	peer, err := types.ParseFeedID(args[1])
	return id, peer, err
}

func respond(c *console, args []string, accept bool) error {
	id, peer, err := contractAndPeer(args)
	if err != nil {
		return err
	}
	return c.node.Respond(id, peer, accept)
}

type console struct {
	node backend
	out  io.Writer
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// exec runs one console line.
func (c *console) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, rest, _ := strings.Cut(line, " ")
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	var args []string
	if cmd.args > 0 {
		args = strings.Fields(rest)
		if len(args) < cmd.args {
			return fmt.Errorf("%w: %s", errUsage, cmd.usage)
		}
		rest = strings.Join(args[cmd.args:], " ")
		args = args[:cmd.args]
	}
	if cmd.rest {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return fmt.Errorf("%w: %s", errUsage, cmd.usage)
		}
		args = append(args, rest)
	}
	return cmd.run(c, args)
}

// run reads lines from in until it is exhausted or ctx is canceled.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if err := c.exec(line); err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}
