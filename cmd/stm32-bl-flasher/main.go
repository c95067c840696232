package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/stm32-bl-flasher/internal/boot"
	"github.com/bigbag/stm32-bl-flasher/internal/config"
	"github.com/bigbag/stm32-bl-flasher/internal/detect"
	"github.com/bigbag/stm32-bl-flasher/internal/firmware"
	"github.com/bigbag/stm32-bl-flasher/internal/flasher"
	"github.com/bigbag/stm32-bl-flasher/internal/logging"
	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
	"github.com/bigbag/stm32-bl-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag string

	cfg       *config.Config
	logCloser io.Closer
	log       = logrus.StandardLogger()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stm32-bl-flasher",
		Short: "Update STM32 application firmware over the custom UART bootloader",
		Long: `stm32-bl-flasher talks to the custom bootloader living in the first
flash sectors of an STM32F4 board. It reads the bootloader version,
erases the application sectors, writes a raw binary image in 128-byte
chunks and makes the bootloader jump to the new application.

Every setting can come from a YAML file (--config), from BLFLASH_*
environment variables or from flags.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "Config file (default ./blflash.yaml if present)")
	pf.StringP("port", "p", "", "Serial port (auto-detect if not specified)")
	pf.IntP("baud", "b", serial.DefaultBaudRate, "Baud rate")
	pf.Duration("timeout", serial.DefaultReadTimeout, "Reply timeout per command")
	pf.String("log-level", "info", "Log level (debug dumps every frame)")
	pf.String("log-file", "", "Also write the log to this rotating file")
	pf.Int("boot0-gpio", boot.Disabled, "Host GPIO wired to BOOT0 (-1 to disable)")
	pf.Int("reset-gpio", boot.Disabled, "Host GPIO wired to NRST (-1 to disable)")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.bin>",
		Short: "Run a complete update",
		Long: `Run a complete update:

  GET_VER -> FLASH_ERASE -> MEM_WRITE per 128-byte chunk -> GO_TO_ADDR

The sector count defaults to the number of 128 KiB sectors the image
needs. --entry and --on-device-error have no defaults and must be given.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().Int("sector", 0, "First sector to erase (255 = mass erase)")
	flashCmd.Flags().Int("count", 0, "Sectors to erase (0 = derive from image size)")
	flashCmd.Flags().String("address", config.DefaultWriteAddress, "Write address")
	flashCmd.Flags().String("entry", "", "Address the bootloader jumps to when done")
	flashCmd.Flags().String("on-device-error", "", "What to do on a device error status: abort or continue")

	getVersionCmd := &cobra.Command{
		Use:   "get-version",
		Short: "Read the bootloader version",
		Args:  cobra.NoArgs,
		RunE:  runGetVersion,
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash sectors",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}
	eraseCmd.Flags().Int("sector", 0, "First sector to erase (255 = mass erase)")
	eraseCmd.Flags().Int("count", 1, "Sectors to erase (ignored for mass erase)")

	writeCmd := &cobra.Command{
		Use:   "write <image.bin>",
		Short: "Write an image without erasing or jumping",
		Args:  cobra.ExactArgs(1),
		RunE:  runWrite,
	}
	writeCmd.Flags().String("address", config.DefaultWriteAddress, "Write address")

	goCmd := &cobra.Command{
		Use:   "go",
		Short: "Make the bootloader jump to an address",
		Args:  cobra.NoArgs,
		RunE:  runGo,
	}
	goCmd.Flags().String("entry", "", "Jump address")

	inspectCmd := &cobra.Command{
		Use:   "inspect <image.bin>",
		Short: "Show how an image would be transferred",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Find ports with a bootloader answering GET_VER",
		RunE:  runDetect,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stm32-bl-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, getVersionCmd, eraseCmd, writeCmd, goCmd,
		inspectCmd, listCmd, detectCmd, configCmd, versionCmd)

	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	os.Exit(exitCode(err))
}

// exitCode is 2 when the board has to be reset by hand before retrying.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var abort *flasher.AbortError
	if errors.As(err, &abort) && abort.NeedsReset() {
		return 2
	}
	return 1
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cmd.Flags(), configFlag)
	if err != nil {
		return err
	}
	logCloser, err = logging.Setup(log, cfg.Logging())
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolvePort returns the configured port or the first port with a
// bootloader on it.
func resolvePort() (string, error) {
	if cfg.Port != "" {
		return cfg.Port, nil
	}
	fmt.Println("Detecting device...")
	result, err := detect.New(log).DetectDevice(cfg.Baud)
	if err != nil {
		return "", errors.Wrap(err, "device detection failed")
	}
	fmt.Printf("Found bootloader v0x%02X on %s\n", result.Version, result.Port)
	return result.Port, nil
}

// bootController returns nil when no GPIO lines are configured. The
// caller owns the lines and must Release them.
func bootController() (flasher.BootController, error) {
	lines := cfg.BootLines()
	if !lines.Enabled() {
		return nil, nil
	}
	bc, err := boot.New(lines, log)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

// preparePort resolves the port to use. Without a configured port the
// target has to be in its bootloader before detection probes it, so bc is
// entered first. enterLater reports whether bc still has to be entered.
func preparePort(bc flasher.BootController, configured string, resolve func() (string, error)) (port string, enterLater bool, err error) {
	if bc == nil {
		port, err = resolve()
		return port, false, err
	}
	if configured != "" {
		return configured, true, nil
	}
	if err := bc.EnterBootloader(); err != nil {
		return "", false, errors.Wrap(err, "failed to enter bootloader")
	}
	port, err = resolve()
	return port, false, err
}

// withClient enters the bootloader if GPIO lines are wired, opens the
// port and runs fn against a fresh client.
func withClient(fn func(c *flasher.Client) error) error {
	bc, err := bootController()
	if err != nil {
		return err
	}
	if bc != nil {
		defer bc.Release()
	}

	portName, enterLater, err := preparePort(bc, cfg.Port, resolvePort)
	if err != nil {
		return err
	}
	if enterLater {
		if err := bc.EnterBootloader(); err != nil {
			return errors.Wrap(err, "failed to enter bootloader")
		}
	}

	port, err := serial.Open(portName, cfg.Baud)
	if err != nil {
		return err
	}
	defer port.Close()
	log.Debugf("opened %s @ %d baud", port.PortName(), port.BaudRate())

	return fn(flasher.NewClient(port, cfg.Timeout, log.WithField("port", portName)))
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	bc, err := bootController()
	if err != nil {
		return err
	}
	if bc != nil {
		defer bc.Release()
	}

	portName, enterLater, err := preparePort(bc, cfg.Port, resolvePort)
	if err != nil {
		return err
	}
	cfg.Port = portName

	p, err := cfg.Params(imagePath)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	opts := []flasher.Option{
		flasher.WithLogger(log),
		flasher.WithProgressCallback(func(pr flasher.Progress) {
			switch pr.Phase {
			case flasher.PhaseWrite:
				bar.ChangeMax64(pr.TotalBytes)
				bar.Set64(pr.BytesSent)
			case flasher.PhaseComplete:
				bar.Finish()
			}
		}),
	}
	if enterLater {
		opts = append(opts, flasher.WithBootController(bc))
	}

	fmt.Printf("Image: %s\n", imagePath)
	fmt.Printf("Port: %s @ %d baud\n", p.Port, p.BaudRate)

	ctx, cancel := signalContext()
	defer cancel()

	res, err := flasher.New(opts...).Run(ctx, p)
	if err != nil {
		return err
	}

	fmt.Printf("\nBootloader version: 0x%02X\n", res.Version)
	fmt.Printf("Erased %d sector(s) from sector %d\n", res.SectorCount, res.SectorStart)
	fmt.Printf("Wrote %d bytes in %d chunk(s) in %s\n", res.BytesSent, res.Chunks, res.Elapsed.Round(time.Millisecond))
	for _, de := range res.DeviceErrors {
		fmt.Printf("Warning: %v\n", de)
	}
	fmt.Println("Done!")
	return nil
}

func runGetVersion(cmd *cobra.Command, args []string) error {
	return withClient(func(c *flasher.Client) error {
		v, err := c.GetVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Bootloader version: 0x%02X\n", v)
		return nil
	})
}

func runErase(cmd *cobra.Command, args []string) error {
	if cfg.Flash.SectorStart < 0 || cfg.Flash.SectorStart > 0xFF ||
		cfg.Flash.SectorCount < 0 || cfg.Flash.SectorCount > 0xFF {
		return errors.Errorf("invalid erase range %d+%d", cfg.Flash.SectorStart, cfg.Flash.SectorCount)
	}
	sector, count := byte(cfg.Flash.SectorStart), byte(cfg.Flash.SectorCount)
	if count == 0 {
		count = 1
	}
	if err := protocol.ValidateErase(sector, count); err != nil {
		return err
	}

	return withClient(func(c *flasher.Client) error {
		if sector == protocol.MassErase {
			fmt.Println("Erasing whole flash...")
		} else {
			fmt.Printf("Erasing %d sector(s) from sector %d...\n", count, sector)
		}
		if _, err := c.FlashErase(sector, count); err != nil {
			return err
		}
		fmt.Println("Done!")
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, err := config.ParseAddress(cfg.Flash.WriteAddress)
	if err != nil {
		return err
	}
	if address == 0 {
		return errors.New("write address is required")
	}

	img, err := firmware.Open(args[0])
	if err != nil {
		return err
	}
	defer img.Close()
	if img.Size() == 0 {
		return errors.Errorf("image %s is empty", args[0])
	}

	ctx, cancel := signalContext()
	defer cancel()

	return withClient(func(c *flasher.Client) error {
		s := flasher.NewSession(img, img.Size(), address)
		bar := progressbar.DefaultBytes(s.Total(), "Writing")
		for {
			chunk, err := s.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "cancelled at chunk %d", chunk.Index)
			}
			if _, err := c.MemWrite(chunk.Address, chunk.Data); err != nil {
				return errors.WithMessagef(err, "chunk %d", chunk.Index)
			}
			bar.Set64(s.BytesSent())
		}
		bar.Finish()
		fmt.Printf("\nWrote %d bytes at 0x%08X\n", s.BytesSent(), address)
		return nil
	})
}

func runGo(cmd *cobra.Command, args []string) error {
	entry, err := config.ParseAddress(cfg.Flash.EntryAddress)
	if err != nil {
		return err
	}
	if entry == 0 {
		return errors.New("entry address is required (--entry)")
	}

	return withClient(func(c *flasher.Client) error {
		if _, err := c.GoToAddress(entry); err != nil {
			return err
		}
		fmt.Printf("Jumped to 0x%08X\n", entry)
		return nil
	})
}

func runInspect(cmd *cobra.Command, args []string) error {
	info, err := firmware.Inspect(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("  Image:    %s\n", info.Path)
	fmt.Printf("  Size:     %d bytes\n", info.Size)
	fmt.Printf("  Chunks:   %d x %d bytes\n", info.Chunks, protocol.ChunkSize)
	fmt.Printf("  Sectors:  %d x %d KiB\n", info.Sectors, protocol.SectorSize/1024)
	fmt.Printf("  CRC-16:   0x%04X\n", info.CRC16)
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	d := detect.New(log)

	if cfg.Port != "" {
		result, err := d.DetectOnPort(cfg.Port, cfg.Baud)
		if err != nil {
			return errors.Wrapf(err, "no bootloader on %s", cfg.Port)
		}
		printDevice(result)
		return nil
	}

	fmt.Println("Scanning for bootloaders...")
	devices, err := d.ListDevices(cfg.Baud)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloader found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDevice(&devices[i])
		fmt.Println()
	}

	return nil
}

func printDevice(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Version:  0x%02X\n", d.Version)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
