// Command sacnsniff is a passive, read-only sACN monitor: it captures UDP
// port 5568 traffic directly off the wire via libpcap instead of joining
// multicast groups, so it can observe a network's sACN traffic without
// participating in it (no socket bound, no group membership). Decodes both
// DMX and Universe Discovery PDUs through this module's own parser.
package main

import (
	"flag"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/patchlab/sacncore/sacn"
)

func main() {
	iface := flag.String("interface", "", "capture interface (empty lists available interfaces and exits)")
	universe := flag.Int("universe", 0, "restrict output to this universe (0 = all)")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if *iface == "" {
		devices, err := pcap.FindAllDevs()
		if err != nil {
			log.Fatalf("[sniff] list interfaces: %v", err)
		}
		for _, d := range devices {
			log.Printf("[sniff] interface=%s description=%q", d.Name, d.Description)
		}
		return
	}

	handle, err := pcap.OpenLive(*iface, 1600, true, pcap.BlockForever)
	if err != nil {
		log.Fatalf("[sniff] open %s: %v", *iface, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter("udp port 5568"); err != nil {
		log.Fatalf("[sniff] filter: %v", err)
	}

	log.Printf("[sniff] capturing on %s", *iface)
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		handlePacket(packet, uint16(*universe))
	}
}

func handlePacket(packet gopacket.Packet, restrict uint16) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return
	}
	data := udp.Payload

	if pkt, ok := sacn.ParseDataPacket(data); ok {
		if restrict != 0 && pkt.Universe != restrict {
			return
		}
		log.Printf("[sniff] data universe=%d cid=%s name=%q seq=%d priority=%d startcode=%#x preview=%v terminated=%v len=%d",
			pkt.Universe, pkt.CID, pkt.SourceName, pkt.Sequence, pkt.Priority, byte(pkt.StartCode), pkt.Preview, pkt.Terminated, len(pkt.Slots))
		return
	}

	if pkt, ok := sacn.ParseDiscoveryPacket(data); ok {
		log.Printf("[sniff] discovery cid=%s name=%q page=%d/%d universes=%v",
			pkt.CID, pkt.SourceName, pkt.Page, pkt.LastPage, pkt.Universes)
	}
}
