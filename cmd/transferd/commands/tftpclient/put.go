package tftpclient

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pxecore/transferd/internal/tftp"
)

var putBlksize string

// PutCmd implements "transferd tftp-put".
var PutCmd = &cobra.Command{
	Use:   "tftp-put <server:port> <local-file> <remote-file>",
	Short: "Upload a file to a TFTP server (debug client)",
	Long: `Upload a file to a TFTP server using octet mode, for smoke-testing a
server's WRQ/DATA/ACK handling without a third-party TFTP client. The
server must have write support enabled for the target path.

Example:
  transferd tftp-put 127.0.0.1:69 ./image.bin uploads/image.bin`,
	Args: cobra.ExactArgs(3),
	RunE: runPut,
}

func init() {
	PutCmd.Flags().StringVar(&putBlksize, "blksize", "", "Request a non-default block size (RFC 2348)")
}

func runPut(cmd *cobra.Command, args []string) error {
	server, localFile, remoteFile := args[0], args[1], args[2]

	blksize, err := parseBlksize(putBlksize)
	if err != nil {
		return fmt.Errorf("invalid --blksize: %w", err)
	}
	blockSize := effectiveBlksize(blksize)

	in, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("open %q: %w", localFile, err)
	}
	defer in.Close()

	conn, dst, err := dialServer(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	var opts []tftp.OptionPair
	if blksize > 0 {
		opts = append(opts, tftp.OptionPair{Name: "blksize", Value: strconv.Itoa(blksize)})
	}

	wrq, err := tftp.EncodeRequest(tftp.OpWRQ, remoteFile, tftp.ModeOctet, opts)
	if err != nil {
		return fmt.Errorf("encode WRQ: %w", err)
	}

	reply, peer, err := sendAndAwait(conn, dst, wrq)
	if err != nil {
		return err
	}
	if err := checkError(reply); err != nil {
		return err
	}

	op, err := tftp.DecodeOpcode(reply)
	if err != nil {
		return err
	}
	switch op {
	case tftp.OpOACK:
		oack, err := tftp.DecodeOack(reply)
		if err != nil {
			return fmt.Errorf("decode OACK: %w", err)
		}
		fmt.Printf("negotiated options: %+v\n", oack.Options)
	case tftp.OpACK:
		ack, err := tftp.DecodeAck(reply)
		if err != nil {
			return fmt.Errorf("decode ACK: %w", err)
		}
		if ack.Block != 0 {
			return fmt.Errorf("expected initial ACK(0), got ACK(%d)", ack.Block)
		}
	default:
		return fmt.Errorf("unexpected reply opcode %d to WRQ", op)
	}

	buf := make([]byte, blockSize)
	block := uint16(1)
	total := 0
	dataPkt := make([]byte, 4+blockSize)

	for {
		n, readErr := io.ReadFull(in, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return fmt.Errorf("read local file: %w", readErr)
		}

		pkt := tftp.EncodeData(dataPkt[:0], block, buf[:n])
		reply, peer, err = sendAndAwait(conn, peer, pkt)
		if err != nil {
			return err
		}
		if err := checkError(reply); err != nil {
			return err
		}
		ack, err := tftp.DecodeAck(reply)
		if err != nil {
			return fmt.Errorf("decode ACK: %w", err)
		}
		if ack.Block != block {
			return fmt.Errorf("received ACK(%d), expected ACK(%d)", ack.Block, block)
		}

		total += n
		if n < blockSize {
			break
		}
		block++
	}

	fmt.Printf("sent %d bytes -> %s\n", total, remoteFile)
	return nil
}
