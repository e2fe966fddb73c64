// Mango is an embeddable library first, but ships an optional Redis-protocol port so operators
// can poke at a namespace with standard tooling: reads, writes, key globbing, and stats.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nobletooth/mango/pkg/cache"
	"github.com/tidwall/redcon"
)

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on the supported commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeString     string   // Writes a string value if set.
	writeBulk       []string // Writes an array of bulk strings if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(values []string) redisOutput {
	return redisOutput{writeBulk: values}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

type redisHandler struct {
	store *cache.Cache[any]
}

// newRedisHandler creates a new redisHandler over the given cache namespace.
func newRedisHandler(store *cache.Cache[any]) (*redisHandler, error) {
	if store == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &redisHandler{store: store}, nil
}

// parseSetExpiry extracts an EX/PX expiry from SET arguments, returning zero when absent.
func parseSetExpiry(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if len(args) != 2 {
		return 0, errors.New("syntax error")
	}
	amount, err := strconv.ParseInt(args[1], 10 /*base*/, 64 /*bitSize*/)
	if err != nil || amount <= 0 {
		return 0, errors.New("invalid expire time in 'SET' command")
	}
	switch args[0] {
	case "EX", "ex":
		return time.Duration(amount) * time.Second, nil
	case "PX", "px":
		return time.Duration(amount) * time.Millisecond, nil
	default:
		return 0, errors.New("syntax error")
	}
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection("OK")
	case "SET":
		if len(cmd.args) < 2 {
			return writeRedisError(errors.New("wrong number of arguments for 'SET' command"))
		}
		key, value := cmd.args[0], cmd.args[1]
		ttl, err := parseSetExpiry(cmd.args[2:])
		if err != nil {
			return writeRedisError(err)
		}
		if ttl > 0 {
			err = rh.store.SetTTL(key, value, ttl)
		} else {
			err = rh.store.Set(key, value)
		}
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisString("OK")
	case "GET":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'GET' command"))
		}
		value, found := rh.store.Get(cmd.args[0])
		if !found {
			return writeRedisNil()
		}
		return writeRedisString(fmt.Sprint(value))
	case "DEL":
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'DEL' command"))
		}
		deletedCount := 0
		for _, key := range cmd.args {
			if rh.store.Remove(key) {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'EXISTS' command"))
		}
		existsCount := 0
		for _, key := range cmd.args {
			if _, found := rh.store.TTL(key); found {
				existsCount++
			}
		}
		return writeRedisInt(existsCount)
	case "TTL":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'TTL' command"))
		}
		remaining, found := rh.store.TTL(cmd.args[0])
		if !found {
			return writeRedisInt(-2) // Redis: key does not exist.
		}
		if remaining == 0 {
			return writeRedisInt(-1) // Redis: key exists but has no expiry.
		}
		return writeRedisInt(int(remaining.Round(time.Second) / time.Second))
	case "KEYS":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'KEYS' command"))
		}
		return writeRedisBulk(rh.store.Keys(cmd.args[0]))
	case "FLUSHALL":
		rh.store.Clear()
		return writeRedisString("OK")
	case "INFO":
		stats := rh.store.Stats()
		info := fmt.Sprintf("# Cache %s\r\nhits:%d\r\nmisses:%d\r\nsets:%d\r\nevictions:%d\r\n"+
			"expirations:%d\r\ntotal_requests:%d\r\nmemory_entries:%d\r\nmemory_bytes:%d\r\n",
			rh.store.Name(), stats.Hits, stats.Misses, stats.Sets, stats.Evictions,
			stats.Expirations, stats.TotalRequests, stats.MemoryEntries, stats.MemoryBytes)
		return writeRedisString(info)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// writeOutput writes a single handler output to the connection.
func writeOutput(conn redcon.Conn, output redisOutput) {
	switch {
	case output.closeConnection:
		conn.WriteString(output.writeString)
		if err := conn.Close(); err != nil {
			slog.Error("failed to close connection", "error", err)
		}
	case output.writeNil:
		conn.WriteNull()
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteArray(len(output.writeBulk))
		for _, value := range output.writeBulk {
			conn.WriteBulkString(value)
		}
	default:
		conn.WriteString(output.writeString)
	}
}

// RunRedisServer starts a Redis protocol server over the provided cache namespace and blocks
// until the context is cancelled or the server fails.
func RunRedisServer(ctx context.Context, store *cache.Cache[any]) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(store)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand; command names are case-insensitive.
			command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])),
				args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			writeOutput(conn, redisHandler.handle(command))
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		storeErr := store.Close()
		if exitErr := errors.Join(serverErr, storeErr); exitErr != nil {
			return fmt.Errorf("failed to shut down: %w", exitErr)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
