// viommu wires a standalone Device to an in-memory placeholder transport
// for local smoke-testing of the command queue protocol. It is not the
// device's real transport: production embedding supplies a virtqueue
// backed RequestQueue/EventQueue of its own (see iommu.RequestQueue).
package main

import (
	"context"
	"encoding/binary"
	"log"

	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/viommu/internal/iommu"
	"github.com/e2b-dev/infra/packages/viommu/internal/iommu/wire"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("viommu: build logger: %v", err)
	}
	defer logger.Sync()

	hostCfg, err := iommu.ParseHostConfig()
	if err != nil {
		logger.Fatal("viommu: parse config", zap.Error(err))
	}

	events := newMemEventQueue()

	dev := iommu.NewDevice(
		iommu.WithConfig(hostCfg.DeviceConfig()),
		iommu.WithFeatures(iommu.FeatureInputRange|iommu.FeatureDomainRange|iommu.FeatureMapUnmap|iommu.FeatureProbe|iommu.FeatureBypass),
		iommu.WithReserved(
			iommu.Reserved{Low: 0x0, High: 0xfff, Kind: iommu.ReservedBlocked},
			iommu.Reserved{Low: 0xfee00000, High: 0xfeefffff, Kind: iommu.ReservedMSI},
		),
		iommu.WithEventQueue(events),
		iommu.WithLogger(logger),
		iommu.WithMeter(noop.NewMeterProvider().Meter("viommu")),
	)

	queue := newMemRequestQueue()
	queue.push(attachPayload(7, 0x0100), 1)
	queue.push(mapPayload(7, 0x1000, 0x1fff, 0xaaaa0000, wire.MapFlagRead|wire.MapFlagWrite), 1)

	ctx := context.Background()
	dev.HandleRequest(ctx, queue)

	res := dev.Translate(ctx, 0x0100, 0x1800, iommu.PermRead)
	logger.Info("viommu: demo translation",
		zap.Uint64("address", res.Address),
		zap.Uint8("perm", uint8(res.Perm)),
	)
}

func attachPayload(domain, endpoint uint32) []byte {
	b := make([]byte, wire.HeaderLen+wire.AttachLen)
	b[0] = wire.ReqAttach
	binary.LittleEndian.PutUint32(b[wire.HeaderLen:], domain)
	binary.LittleEndian.PutUint32(b[wire.HeaderLen+4:], endpoint)
	return b
}

func mapPayload(domain uint32, virtStart, virtEnd, physStart uint64, flags uint32) []byte {
	b := make([]byte, wire.HeaderLen+wire.MapLen)
	b[0] = wire.ReqMap
	p := b[wire.HeaderLen:]
	binary.LittleEndian.PutUint32(p[0:4], domain)
	binary.LittleEndian.PutUint64(p[4:12], virtStart)
	binary.LittleEndian.PutUint64(p[12:20], virtEnd)
	binary.LittleEndian.PutUint64(p[20:28], physStart)
	binary.LittleEndian.PutUint32(p[28:32], flags)
	return b
}
