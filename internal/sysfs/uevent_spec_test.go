package sysfs_test

import (
	"github.com/openinput/devmon/internal/sysfs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const sampleUevent = "MAJOR=13\nMINOR=67\nDEVNAME=input/event3\nDEVTYPE=usb_device\nHID_NAME=Example Mouse"

var _ = Describe("Field", func() {
	It("should return the value for a matching key", func() {
		value, ok := sysfs.Field(sampleUevent, "DEVNAME")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("input/event3"))
	})

	It("should return the value of the last, unterminated line", func() {
		value, ok := sysfs.Field(sampleUevent, "HID_NAME")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("Example Mouse"))
	})

	It("should not match a key that is only a prefix of a longer key", func() {
		_, ok := sysfs.Field(sampleUevent, "MAJ")
		Expect(ok).To(BeFalse())
	})

	It("should only match keys at the start of a line", func() {
		_, ok := sysfs.Field("XMAJOR=13\n", "MAJOR")
		Expect(ok).To(BeFalse())
	})

	It("should report a missing key as absent", func() {
		_, ok := sysfs.Field(sampleUevent, "PRODUCT")
		Expect(ok).To(BeFalse())
	})

	It("should allow an empty value", func() {
		value, ok := sysfs.Field("UNIQ=\nOTHER=1\n", "UNIQ")
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal(""))
	})
})

var _ = Describe("FieldEquals", func() {
	It("should match the entire value", func() {
		Expect(sysfs.FieldEquals(sampleUevent, "DEVTYPE", "usb_device")).To(BeTrue())
	})

	It("should reject a prefix of the value", func() {
		Expect(sysfs.FieldEquals(sampleUevent, "DEVTYPE", "usb")).To(BeFalse())
	})

	It("should reject an extension of the value", func() {
		Expect(sysfs.FieldEquals(sampleUevent, "DEVTYPE", "usb_device_x")).To(BeFalse())
	})

	It("should reject a missing key", func() {
		Expect(sysfs.FieldEquals(sampleUevent, "ACTION", "add")).To(BeFalse())
	})
})
