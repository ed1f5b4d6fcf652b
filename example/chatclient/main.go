package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"roomnet"
	"roomnet/client"
	roomnet_grpc "roomnet/grpc"
	"roomnet/netmsg"
	"roomnet/rpc"
)

var serverAddr string
var name string

func init() {
	flag.StringVar(&serverAddr, "addr", "127.0.0.1:14000", "server address")
	flag.StringVar(&name, "name", "Tom", "Your name")
}

const (
	rpcText uint8 = 0x20
	rpcPing uint8 = 0x10
	rpcPong uint8 = 0x11
)

func main() {
	flag.Parse()

	zapLogger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}

	peerOpts := []roomnet_grpc.Option{roomnet_grpc.WithLogger(zapLogger)}
	cli := client.New(
		roomnet_grpc.NewClientPeer(peerOpts...),
		roomnet_grpc.NewClientPeer(peerOpts...),
		client.WithLogger(zapLogger))

	cli.OnConnected = func(id roomnet.PlayerID) {
		fmt.Printf("You are player %d\n", id)
	}
	cli.OnDisconnected = func(reason string) {
		fmt.Printf("\033[0Gdisconnected: %s\n", reason)
		os.Exit(0)
	}
	cli.SubscribeToRoomRPC(rpcText, func(r *netmsg.Reader, _ *client.MessageInfo) {
		var from, text string
		if r.ReadValue(&from) != nil || r.ReadValue(&text) != nil {
			return
		}
		fmt.Printf("\033[0G%s > %s\n%s > ", from, text, name)
	})
	cli.SubscribeToRoomRPC(rpcPing, func(r *netmsg.Reader, _ *client.MessageInfo) {
		var from string
		if r.ReadValue(&from) != nil {
			return
		}
		fmt.Printf("\033[0G%s > ping!\n%s > ", from, name)
		if err := cli.RPC(rpcPong, roomnet.RPCModeOthers, rpc.Values(name)); err != nil {
			log.Printf("failed to pong: %v", err)
		}
	})
	cli.SubscribeToRoomRPC(rpcPong, func(r *netmsg.Reader, _ *client.MessageInfo) {
		var from string
		if r.ReadValue(&from) != nil {
			return
		}
		fmt.Printf("\033[0G%s > pong!\n%s > ", from, name)
	})

	if err := cli.Connect(context.Background(), serverAddr); err != nil {
		log.Fatalf("fail to connect: %v", err)
	}
	defer cli.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		stdin := bufio.NewScanner(os.Stdin)
		for stdin.Scan() {
			lines <- stdin.Text()
		}
	}()

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			cli.Update(now)
		case text, ok := <-lines:
			if !ok || text == "!exit" {
				fmt.Println("bye.")
				return
			}
			if !cli.InRoom() {
				fmt.Println("not in a room yet")
				continue
			}
			var err error
			if text == "!ping" {
				err = cli.RPC(rpcPing, roomnet.RPCModeOthers, rpc.Values(name))
			} else {
				err = cli.RPC(rpcText, roomnet.RPCModeOthers, rpc.Values(name, text))
			}
			if err != nil {
				log.Printf("failed to send: %v", err)
			}
			fmt.Printf("%s > ", name)
		}
	}
}
