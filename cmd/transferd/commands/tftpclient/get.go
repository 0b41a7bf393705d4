package tftpclient

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pxecore/transferd/internal/tftp"
)

var getBlksize string

// GetCmd implements "transferd tftp-get".
var GetCmd = &cobra.Command{
	Use:   "tftp-get <server:port> <remote-file> <local-file>",
	Short: "Fetch a file from a TFTP server (debug client)",
	Long: `Fetch a file from a TFTP server using octet mode, for smoke-testing a
server's RRQ/DATA/ACK handling without a third-party TFTP client.

Example:
  transferd tftp-get 127.0.0.1:69 boot/pxelinux.0 ./pxelinux.0`,
	Args: cobra.ExactArgs(3),
	RunE: runGet,
}

func init() {
	GetCmd.Flags().StringVar(&getBlksize, "blksize", "", "Request a non-default block size (RFC 2348)")
}

func runGet(cmd *cobra.Command, args []string) error {
	server, remoteFile, localFile := args[0], args[1], args[2]

	blksize, err := parseBlksize(getBlksize)
	if err != nil {
		return fmt.Errorf("invalid --blksize: %w", err)
	}

	conn, dst, err := dialServer(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	var opts []tftp.OptionPair
	if blksize > 0 {
		opts = append(opts, tftp.OptionPair{Name: "blksize", Value: strconv.Itoa(blksize)})
	}

	rrq, err := tftp.EncodeRequest(tftp.OpRRQ, remoteFile, tftp.ModeOctet, opts)
	if err != nil {
		return fmt.Errorf("encode RRQ: %w", err)
	}

	out, err := os.Create(localFile)
	if err != nil {
		return fmt.Errorf("create %q: %w", localFile, err)
	}
	defer out.Close()

	reply, peer, err := sendAndAwait(conn, dst, rrq)
	if err != nil {
		return err
	}
	if err := checkError(reply); err != nil {
		return err
	}

	nextBlock := uint16(1)
	total := 0

	op, err := tftp.DecodeOpcode(reply)
	if err != nil {
		return err
	}
	if op == tftp.OpOACK {
		oack, err := tftp.DecodeOack(reply)
		if err != nil {
			return fmt.Errorf("decode OACK: %w", err)
		}
		fmt.Printf("negotiated options: %+v\n", oack.Options)
		ack := tftp.EncodeAck(0)
		reply, peer, err = sendAndAwait(conn, peer, ack)
		if err != nil {
			return err
		}
		if err := checkError(reply); err != nil {
			return err
		}
	}

	for {
		data, err := tftp.DecodeData(reply)
		if err != nil {
			return fmt.Errorf("decode DATA block: %w", err)
		}
		if data.Block != nextBlock {
			return fmt.Errorf("received block %d, expected %d", data.Block, nextBlock)
		}
		if _, err := out.Write(data.Payload); err != nil {
			return fmt.Errorf("write local file: %w", err)
		}
		total += len(data.Payload)

		ack := tftp.EncodeAck(data.Block)
		last := len(data.Payload) < effectiveBlksize(blksize)
		if last {
			if _, err := conn.WriteToUDP(ack, peer); err != nil {
				return fmt.Errorf("send final ACK: %w", err)
			}
			break
		}

		nextBlock++
		reply, peer, err = sendAndAwait(conn, peer, ack)
		if err != nil {
			return err
		}
		if err := checkError(reply); err != nil {
			return err
		}
	}

	fmt.Printf("received %d bytes -> %s\n", total, localFile)
	return nil
}

func effectiveBlksize(requested int) int {
	if requested > 0 {
		return requested
	}
	return 512
}
