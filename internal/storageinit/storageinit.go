// Package storageinit creates the Azure tables and queues a deployment
// needs. Existing resources are left alone, so it is safe to run on every
// start.
package storageinit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

type tableCreator interface {
	CreateTable(ctx context.Context, name string) error
}

type queueCreator interface {
	CreateQueue(ctx context.Context, name string) error
}

type azureTables struct {
	svc *aztables.ServiceClient
}

func (a azureTables) CreateTable(ctx context.Context, name string) error {
	_, err := a.svc.NewClient(name).CreateTable(ctx, nil)
	return err
}

type azureQueues struct {
	connStr string
}

func (a azureQueues) CreateQueue(ctx context.Context, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(a.connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	return err
}

// Run creates tables and queues on the storage account behind connStr.
// Empty names are skipped.
func Run(ctx context.Context, connStr string, tables, queues []string, logger *log.Logger) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	return run(ctx, azureTables{svc: svc}, azureQueues{connStr: connStr}, tables, queues, logger)
}

func run(ctx context.Context, tc tableCreator, qc queueCreator, tables, queues []string, logger *log.Logger) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for _, name := range tables {
		if name == "" {
			continue
		}
		if err := tc.CreateTable(ctx, name); err != nil {
			if !alreadyExists(err, string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("create table %s: %w", name, err)
			}
			logger.WithField("table", name).Debug("table already exists")
			continue
		}
		logger.WithField("table", name).Info("table created")
	}
	for _, name := range queues {
		if name == "" {
			continue
		}
		if err := qc.CreateQueue(ctx, name); err != nil {
			if !alreadyExists(err, "QueueAlreadyExists") {
				return fmt.Errorf("create queue %s: %w", name, err)
			}
			logger.WithField("queue", name).Debug("queue already exists")
			continue
		}
		logger.WithField("queue", name).Info("queue created")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.ErrorCode == code || respErr.StatusCode == http.StatusConflict
}
