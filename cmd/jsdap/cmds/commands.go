// Package cmds builds the jsdap command tree.
package cmds

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-jsdap/jsdap/pkg/config"
	"github.com/go-jsdap/jsdap/pkg/logflags"
	"github.com/go-jsdap/jsdap/pkg/version"
	"github.com/go-jsdap/jsdap/service/dap"
)

var (
	// addr is the server's listen address.
	addr string
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should
	// produce debug output.
	logOutput string

	conf *config.Config
)

const jsdapLongDesc = `jsdap bridges the Debug Adapter Protocol to a JavaScript
runtime's Chrome DevTools Protocol endpoint.

Point an editor's DAP client at the listen address; its launch/attach
request tells jsdap which runtime to start or connect to.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	root := &cobra.Command{
		Use:   "jsdap",
		Short: "jsdap bridges DAP clients to a JavaScript runtime's CDP endpoint.",
		Long:  jsdapLongDesc,
		RunE:  serve,
	}

	root.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debug adapter listen address.")
	root.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable adapter logging.")
	root.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output: dap, cdp, sourcemap, predictor, target.")

	root.AddCommand(versionCommand())
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("jsdap")
			fmt.Println(version.AdapterVersion)
			fmt.Println(version.BuildInfo())
		},
	}
}

// serve starts the adapter and blocks until Server.Run returns or the
// process receives SIGINT; a client disconnecting leaves the server
// waiting for the next connection.
func serve(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("couldn't start listener: %v", err)
	}
	fmt.Fprintf(os.Stderr, "DAP server listening at: %s\n", listener.Addr())

	server := dap.NewServer(dap.Config{
		Listener: listener,
		Log:      logflags.DAPLogger(),
		Defaults: conf,
	})

	done := make(chan struct{})
	go func() {
		server.Run()
		close(done)
	}()

	waitForDisconnectSignal(done, listener)
	return nil
}

// waitForDisconnectSignal blocks until either Server.Run returns (its
// listener stopped accepting) or the process receives SIGINT, in which
// case it closes the listener itself to unblock Server.Run's Accept loop.
func waitForDisconnectSignal(done chan struct{}, listener net.Listener) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	if runtime.GOOS == "windows" {
		select {
		case <-done:
		}
		return
	}
	select {
	case <-ch:
		listener.Close()
		<-done
	case <-done:
	}
}
