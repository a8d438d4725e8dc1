package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/soukapp/chatsync"
)

var downloadDir string

func init() {
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVar(&downloadDir, "dir", "", "download directory (default: configured cache dir)")
}

// ============================================================================
// send-file
// ============================================================================

var sendFileCmd = &cobra.Command{
	Use:   "send-file <user-id> <path>",
	Short: "Upload a file and send it as a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, path := args[0], args[1]
		client, cfg := getClient()

		session := client.NewSession(cfg.Default.UserID, receiverID, nil)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}

		asset := chatsync.LocalAsset{
			Path: path,
			Name: filepath.Base(path),
			Kind: assetKind(path),
		}
		tempID, err := session.SendAttachment(ctx, asset, func(frac float64) {
			fmt.Printf("\rUploading... %3.0f%%", frac*100)
		})
		fmt.Println()
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if err := waitForAck(ctx, session); err != nil {
			return err
		}

		msg, _ := session.Store().Get(tempID)
		fmt.Printf("File sent to chat %s\n", session.ChatID())
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Attachment != nil {
			fmt.Printf("  URL:        %s\n", msg.Attachment.URL)
		}
		return nil
	},
}

// ============================================================================
// download
// ============================================================================

var downloadCmd = &cobra.Command{
	Use:   "download <user-id> <message-id>",
	Short: "Download a message attachment to the local cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, messageID := args[0], args[1]
		client, cfg := getClient()

		session := client.NewSession(cfg.Default.UserID, receiverID, nil)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to open chat: %w", err)
		}

		msg, ok := session.Store().Get(messageID)
		if !ok {
			return fmt.Errorf("no message %s in chat %s", messageID, session.ChatID())
		}

		dir := downloadDir
		if dir == "" {
			var err error
			dir, err = cacheDir(cfg)
			if err != nil {
				return err
			}
		}

		confDir, err := configDir()
		if err != nil {
			return err
		}
		index, err := chatsync.OpenDownloadIndex(ctx, filepath.Join(confDir, "downloads.db"))
		if err != nil {
			return fmt.Errorf("failed to open download index: %w", err)
		}
		defer index.Close()

		dm := chatsync.NewDownloadManager(client, index, dir)
		path, err := dm.Download(ctx, session.ChatID(), msg, func(written, expected int64) {
			if expected > 0 {
				fmt.Printf("\rDownloading... %3.0f%%", float64(written)/float64(expected)*100)
			} else {
				fmt.Printf("\rDownloading... %d bytes", written)
			}
		})
		fmt.Println()
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		fmt.Printf("Saved to %s\n", path)
		return nil
	},
}

// assetKind maps a file extension to the message kind the receiver renders.
func assetKind(path string) chatsync.MessageKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return chatsync.KindImage
	case ".m4a", ".mp3", ".wav", ".ogg", ".aac":
		return chatsync.KindAudio
	default:
		return chatsync.KindFile
	}
}
