package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/GPTx-global/xobserver/observer/chain"
	"github.com/GPTx-global/xobserver/observer/coordinator"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/oracle"
	"github.com/GPTx-global/xobserver/observer/oracle/oracletest"
	"github.com/GPTx-global/xobserver/observer/types"
)

func TestCoordinatorSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordinator Suite")
}

// instantAdapter confirms every submission with the same hash.
type instantAdapter struct {
	name string
	id   int64
	hash string
}

func (a instantAdapter) Name() string   { return a.name }
func (a instantAdapter) ChainID() int64 { return a.id }

func (a instantAdapter) Submit(context.Context, types.Operation) (types.LocalReceipt, error) {
	return types.LocalReceipt{Chain: a.name, TxHash: a.hash, BlockHeight: 7}, nil
}

func (a instantAdapter) CurrentNonce(context.Context, string) (uint64, error) { return 0, nil }
func (a instantAdapter) BlockNumber(context.Context) (uint64, error)          { return 7, nil }

var _ = Describe("Coordinator against the REST oracle", func() {
	const (
		pollInterval = 25 * time.Millisecond
		txHash       = "0x9f2c2a3d5b8e4b1c7a6f0e1d2c3b4a5968778695a4b3c2d1e0f1a2b3c4d5e6f7"
	)

	var (
		server *oracletest.Server
		coord  *coordinator.Coordinator
		key    types.ObservationKey
	)

	BeforeEach(func() {
		server = oracletest.NewServer()
		DeferCleanup(server.Close)

		client, err := oracle.NewRESTClient(oracle.Config{Endpoint: server.URL, RequestTimeout: time.Second}, log.NewNop())
		Expect(err).NotTo(HaveOccurred())

		registry := chain.NewRegistryFromAdapters(
			instantAdapter{name: "goerli", id: 5, hash: txHash},
			instantAdapter{name: "bsc", id: 97},
		)
		coord = coordinator.New(registry, client, coordinator.Config{Interval: pollInterval, MaxAttempts: 6}, log.NewNop())
		key = types.InboundKey(txHash)
	})

	Context("when an operation is observed from A to B", func() {
		It("succeeds on the first terminal read after three intervals", func() {
			server.Script(key,
				oracletest.NotFound(),
				oracletest.NotFound404(),
				oracletest.Status("PendingOutbound"),
				oracletest.Status("OutboundMined"),
			)

			start := time.Now()
			v := coord.Observe(context.Background(), types.Operation{
				SourceChain:      "goerli",
				DestinationChain: "bsc",
				Amount:           sdkmath.NewInt(10_000_000),
			})

			Expect(v.Succeeded()).To(BeTrue(), v.String())
			Expect(v.Attempts).To(Equal(4))
			Expect(server.Hits(key)).To(Equal(4))
			Expect(v.Record.Status).To(Equal(types.StatusFinalized))
			Expect(v.Record.SenderChain).To(Equal("source"))
			Expect(v.Receipt.Chain).To(Equal("goerli"))
			Expect(time.Since(start)).To(BeNumerically(">=", 3*pollInterval))
		})

		It("reports the oracle's failure", func() {
			server.Script(key, oracletest.Status("Aborted"))

			v := coord.Observe(context.Background(), types.Operation{
				SourceChain:      "goerli",
				DestinationChain: "bsc",
				Amount:           sdkmath.NewInt(1),
			})

			Expect(v.Reason).To(Equal(types.ReasonObservedFailed))
			Expect(errors.Is(v.Err, types.ErrObservedFailed)).To(BeTrue())
			Expect(v.Attempts).To(Equal(1))
		})
	})

	Context("when the oracle misbehaves", func() {
		It("keeps polling through server errors", func() {
			server.Script(key, oracletest.ServerError(), oracletest.ServerError(), oracletest.Status("Mined"))

			v, err := coord.Await(context.Background(), key)
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Succeeded()).To(BeTrue())
			Expect(v.Attempts).To(Equal(3))
		})

		It("stops on a malformed body", func() {
			server.Script(key, oracletest.Malformed())

			v, err := coord.Await(context.Background(), key)
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Reason).To(Equal(types.ReasonProtocolError))
			Expect(server.Hits(key)).To(Equal(1))
		})

		It("times out when the record never appears", func() {
			v, err := coord.Await(context.Background(), key)
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Reason).To(Equal(types.ReasonTimeout))
			Expect(v.Attempts).To(Equal(6))
		})
	})

	Context("when several keys are awaited together", func() {
		It("isolates each key and keeps input order", func() {
			index := types.IndexKey("0x" + "ab" + txHash[4:])
			server.Script(key, oracletest.NotFound(), oracletest.NotFound(), oracletest.Status("Mined"))
			server.Script(index, oracletest.Status("Reverted"))

			verdicts, err := coord.AwaitAll(context.Background(), []types.ObservationKey{key, index})
			Expect(err).NotTo(HaveOccurred())
			Expect(verdicts).To(HaveLen(2))

			Expect(verdicts[0].Succeeded()).To(BeTrue())
			Expect(verdicts[0].Attempts).To(Equal(3))
			Expect(verdicts[1].Reason).To(Equal(types.ReasonObservedFailed))
			Expect(verdicts[1].Attempts).To(Equal(1))
			Expect(verdicts[1].Record.Index).To(Equal(index.Normalize().Value))
		})

		It("rejects a key that is already being polled", func() {
			server.Script(key, oracletest.NotFound(), oracletest.NotFound(), oracletest.Status("Mined"))

			done := make(chan types.Verdict, 1)
			go func() {
				defer GinkgoRecover()
				v, err := coord.Await(context.Background(), key)
				Expect(err).NotTo(HaveOccurred())
				done <- v
			}()

			Eventually(coord.InFlight).Should(Equal(1))
			_, err := coord.Await(context.Background(), key)
			Expect(errors.Is(err, types.ErrDuplicateKey)).To(BeTrue())

			Eventually(done).Should(Receive(WithTransform(types.Verdict.Succeeded, BeTrue())))
		})
	})
})
