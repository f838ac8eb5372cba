// Command coordctl is a small operator CLI for poking at a running
// coordination tree directly, the same role a zk shell plays against
// ZooKeeper: list a path's children, read a node's data, create or
// remove a path.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
)

var coordAddr string

var cli = &cobra.Command{
	Use:   "coordctl",
	Short: "Inspect and edit a running coordination tree",
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List the children of path",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(c *coord.Client) error {
			children, err := c.GetChildren(args[0])
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(children, "\n"))
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [path]",
	Short: "Print the data stored at path",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(c *coord.Client) error {
			data, exists, err := c.GetData(args[0])
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%s does not exist", args[0])
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

var mkpathCmd = &cobra.Command{
	Use:   "mkpath [path]",
	Short: "Ensure path (and every ancestor) exists as a persistent node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(c *coord.Client) error {
			return c.EnsurePath(args[0])
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [path]",
	Short: "Delete path",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(c *coord.Client) error {
			return c.Delete(args[0])
		})
	},
}

func withClient(fn func(c *coord.Client) error) {
	c, err := coord.Dial(coordAddr, log.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to %s: %v\n", coordAddr, err)
		os.Exit(1)
	}
	defer c.Close()
	if err := fn(c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cli.PersistentFlags().StringVar(&coordAddr, "coord-addr", "127.0.0.1:2289", "Coordination service control address")
	cli.AddCommand(lsCmd, getCmd, mkpathCmd, rmCmd)
}

func main() {
	cli.Execute()
}
