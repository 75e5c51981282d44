package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/google/uuid"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// BlobArchiver uploads normalized payloads to an Azure Blob Storage container
type BlobArchiver struct {
	client    *azblob.Client
	container string
}

// NewBlobArchiver creates an archiver using shared-key authentication.
// serviceURL defaults to the public endpoint of accountName.
func NewBlobArchiver(accountName, accountKey, serviceURL, container string) (*BlobArchiver, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid storage credential: %w", err)
	}

	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(strings.TrimSuffix(serviceURL, "/")+"/", credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	return &BlobArchiver{client: client, container: container}, nil
}

// Archive uploads the payload and returns the blob name
func (a *BlobArchiver) Archive(ctx context.Context, imageID uint, img types.EncodedImage) (string, error) {
	name := BlobName(imageID, img)
	if _, err := a.client.UploadBuffer(ctx, a.container, name, img.Data, nil); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return name, nil
}

// BlobName returns a unique name for one normalized payload of an image
func BlobName(imageID uint, img types.EncodedImage) string {
	ext := "jpg"
	if img.Raw {
		ext = "bin"
	}
	return fmt.Sprintf("images/%d/%s.%s", imageID, uuid.NewString(), ext)
}
