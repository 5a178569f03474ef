package drtp

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

type GbnReceiverTestSuite struct {
	drtpTestSuite
	alpha, beta *memoryChannel
	sink        *bytes.Buffer
	receiver    *gbnReceiver
}

func (suite *GbnReceiverTestSuite) SetupTest() {
	suite.alpha, suite.beta = newMemoryChannelPair()
	suite.sink = new(bytes.Buffer)
	suite.receiver = newGbnReceiver(suite.alpha, suite.beta.LocalAddr(), 0, suite.sink, zerolog.Nop())
}

func (suite *GbnReceiverTestSuite) TearDownTest() {
	suite.handleTestError(suite.alpha.Close())
	suite.handleTestError(suite.beta.Close())
}

func (suite *GbnReceiverTestSuite) receiveAck() uint32 {
	data, _, err := suite.beta.Receive(time.Second)
	suite.Require().NoError(err)
	seg, err := parseSegment(data)
	suite.Require().NoError(err)
	suite.Require().True(seg.isFlaggedAs(flagACK))
	return seg.ackNum
}

func (suite *GbnReceiverTestSuite) expectNoAck() {
	_, _, err := suite.beta.Receive(20 * time.Millisecond)
	suite.ErrorIs(err, errReceiveTimeout)
}

func (suite *GbnReceiverTestSuite) TestInOrderDelivery() {
	suite.handleTestError(suite.receiver.handleData(createDataSegment(1, []byte("te"))))
	suite.Equal(uint32(1), suite.receiveAck())
	suite.handleTestError(suite.receiver.handleData(createDataSegment(2, []byte("st"))))
	suite.Equal(uint32(2), suite.receiveAck())
	suite.Equal("test", suite.sink.String())
	suite.Equal(4, suite.receiver.total)
	suite.Equal(uint32(3), suite.receiver.expectedSeq)
}

func (suite *GbnReceiverTestSuite) TestOutOfOrderDiscardedAndReAcked() {
	suite.handleTestError(suite.receiver.handleData(createDataSegment(1, []byte("a"))))
	suite.Equal(uint32(1), suite.receiveAck())
	suite.handleTestError(suite.receiver.handleData(createDataSegment(3, []byte("c"))))
	suite.Equal(uint32(1), suite.receiveAck())
	suite.Equal("a", suite.sink.String())
	suite.Equal(uint32(2), suite.receiver.expectedSeq)
}

func (suite *GbnReceiverTestSuite) TestDuplicateDiscardedAndReAcked() {
	suite.handleTestError(suite.receiver.handleData(createDataSegment(1, []byte("a"))))
	suite.Equal(uint32(1), suite.receiveAck())
	suite.handleTestError(suite.receiver.handleData(createDataSegment(1, []byte("a"))))
	suite.Equal(uint32(1), suite.receiveAck())
	suite.Equal("a", suite.sink.String())
}

func (suite *GbnReceiverTestSuite) TestEarlySegmentAcksNothingDelivered() {
	suite.handleTestError(suite.receiver.handleData(createDataSegment(5, []byte("e"))))
	suite.Equal(uint32(0), suite.receiveAck())
	suite.Empty(suite.sink.String())
}

func (suite *GbnReceiverTestSuite) TestDiscardHookDropsExactlyOnce() {
	suite.receiver = newGbnReceiver(suite.alpha, suite.beta.LocalAddr(), 2, suite.sink, zerolog.Nop())

	suite.handleTestError(suite.receiver.handleData(createDataSegment(1, []byte("a"))))
	suite.Equal(uint32(1), suite.receiveAck())

	// first arrival of seq 2 vanishes without any ACK
	suite.handleTestError(suite.receiver.handleData(createDataSegment(2, []byte("b"))))
	suite.expectNoAck()
	suite.Equal("a", suite.sink.String())

	// the retransmitted seq 2 is processed normally
	suite.handleTestError(suite.receiver.handleData(createDataSegment(2, []byte("b"))))
	suite.Equal(uint32(2), suite.receiveAck())
	suite.Equal("ab", suite.sink.String())
}

func TestGbnReceiver(t *testing.T) {
	suite.Run(t, new(GbnReceiverTestSuite))
}
