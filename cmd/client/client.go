// A small wire-protocol test client for poking a running engine: place and
// cancel orders, set the reference price and print the book, straight from
// the command line.
package main

import (
	"flag"
	"fmt"
	"log"
	gonet "net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/net"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "address of the engine server")
	owner := flag.String("owner", "", "owner tag (compulsory for orders)")
	action := flag.String("action", "place", "action: ['place', 'cancel', 'ref', 'book']")

	sideStr := flag.String("side", "buy", "order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "order type: 'limit', 'market', 'ioc', 'fok', 'post'")
	price := flag.String("price", "100.0", "limit price")
	qty := flag.String("qty", "1", "quantity")

	orderID := flag.Uint64("id", 0, "order id (for cancel)")
	refPrice := flag.String("ref", "", "reference price (for ref)")
	depth := flag.Uint("depth", 10, "levels per side (for book)")

	flag.Parse()

	conn, err := gonet.DialTimeout("tcp", *serverAddr, 5*time.Second)
	if err != nil {
		log.Fatalf("dial %s: %v", *serverAddr, err)
	}
	defer conn.Close()

	switch *action {
	case "place":
		if *owner == "" {
			log.Fatal("-owner is compulsory when placing orders")
		}
		msg := net.NewOrderMessage{
			Side:      parseSide(*sideStr),
			OrderType: parseType(*typeStr),
			TIF:       tifFor(parseType(*typeStr)),
			Price:     mustDecimal(*price),
			Quantity:  mustDecimal(*qty),
			Owner:     *owner,
			ClientTag: uuid.NewString(),
		}
		send(conn, net.EncodeNewOrder(msg))
		report := readReport(conn)
		fmt.Printf("order %d: %s (seq %d, %d trades, filled %s)\n",
			report.OrderID, report.Status, report.Seq, report.NumTrades, report.FilledQty)
		if report.Err != "" {
			fmt.Printf("  reason: %s\n", report.Err)
		}

	case "cancel":
		if *orderID == 0 {
			log.Fatal("-id is required for cancel")
		}
		send(conn, net.EncodeCancelOrder(*orderID))
		report := readReport(conn)
		fmt.Printf("cancel %d: %s (seq %d)\n", report.OrderID, report.Status, report.Seq)

	case "ref":
		if *refPrice == "" {
			log.Fatal("-ref is required")
		}
		send(conn, net.EncodeSetReference(mustDecimal(*refPrice)))
		fmt.Println("reference price sent")

	case "book":
		send(conn, net.EncodeQueryBook(uint16(*depth)))
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		bids, asks, err := net.ParseBookReport(buf[:n])
		if err != nil {
			log.Fatalf("parse book: %v", err)
		}
		fmt.Println("asks:")
		for i := len(asks) - 1; i >= 0; i-- {
			fmt.Printf("  %12s x %s\n", asks[i].Price, asks[i].Qty)
		}
		fmt.Println("bids:")
		for _, lv := range bids {
			fmt.Printf("  %12s x %s\n", lv.Price, lv.Qty)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(1)
	}
}

func parseSide(s string) book.Side {
	if strings.EqualFold(s, "sell") {
		return book.Ask
	}
	return book.Bid
}

func parseType(s string) book.OrderType {
	switch strings.ToLower(s) {
	case "market":
		return book.Market
	case "ioc":
		return book.ImmediateOrCancel
	case "fok":
		return book.FillOrKill
	case "post":
		return book.PostOnly
	default:
		return book.Limit
	}
}

func tifFor(t book.OrderType) book.TimeInForce {
	switch t {
	case book.Market, book.ImmediateOrCancel:
		return book.IOC
	case book.FillOrKill:
		return book.FOK
	default:
		return book.GTC
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func send(conn gonet.Conn, payload []byte) {
	if _, err := conn.Write(payload); err != nil {
		log.Fatalf("send: %v", err)
	}
}

func readReport(conn gonet.Conn) net.Report {
	buf := make([]byte, 4*1024)
	n, err := conn.Read(buf)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	report, err := net.ParseReport(buf[:n])
	if err != nil {
		log.Fatalf("parse report: %v", err)
	}
	return report
}
